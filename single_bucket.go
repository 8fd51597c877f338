package reqstream

import (
	"context"
	"strings"
)

type routerSingleBucketProxy struct {
	proxied *Router
	bucket  BucketKey
}

// ForBucket returns a semplified proxy that sends every request
// to the specified bucket, bypassing the bucket key function.
//
// It's useful when the caller already knows which requests share a limit.
//
// Please note that this does not create a new router instance,
// it just proxies the calls to the current router adding a fixed bucket.
func (r *Router) ForBucket(key BucketKey) BucketDispatcher {
	if strings.TrimSpace(string(key)) == "" {
		panic("bucket key must not be blank")
	}
	proxy := routerSingleBucketProxy{
		proxied: r,
		bucket:  key,
	}
	return &proxy
}

func (p *routerSingleBucketProxy) Exchange(ctx context.Context, req *Request) *Future {
	return p.proxied.exchangeOn(ctx, p.bucket, req)
}

func (p *routerSingleBucketProxy) Do(ctx context.Context, req *Request) (*Response, error) {
	return p.Exchange(ctx, req).Await(ctx)
}

func (p *routerSingleBucketProxy) Bucket() BucketKey {
	return p.bucket
}

func (p *routerSingleBucketProxy) Stats() StreamStats {
	stream, closed := p.proxied.lookup(p.bucket)
	if stream == nil {
		return StreamStats{Bucket: p.bucket, Closed: closed}
	}
	return stream.Stats()
}
