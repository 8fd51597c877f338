// A rate-limit aware dispatcher for outbound HTTP requests.
//
// Features:
//
// - One ordered request stream per rate-limit bucket, with exactly one in-flight exchange per bucket
//
// - Unrelated buckets run concurrently and never block each other
//
// - A shared global limiter that every bucket respects before issuing a request
//
// - Preemptive throttling driven by the X-RateLimit-Remaining / X-RateLimit-Reset / Date response headers
//
// - Transparent, server-directed retries of 429 responses (Retry-After, X-RateLimit-Global)
//
// - Optional attempt caps, client-side pacing, cancellation and cluster-wide global suspension
//
// - Thread safe
//
package reqstream
