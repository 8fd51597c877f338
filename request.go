package reqstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Route describes an API endpoint: the HTTP method
// together with its path template, e.g. "/channels/{channel.id}/messages".
type Route struct {
	Method   string
	Template string
}

// Request is the descriptor of an outbound request.
// It must not be modified after being handed to a Router.
type Request struct {
	Route Route

	// Params holds the values substituted into the route template, in order.
	// The first one is the "major" parameter used by RouteBucketKey.
	Params []string

	// URI is the resolved path (template with params expanded).
	URI string

	Query  url.Values
	Body   interface{}
	Header http.Header

	// Result is the expected response type: a pointer the transport
	// decodes the response body into. When nil the body is discarded.
	Result interface{}
}

// NewRequest builds a request for the given route,
// expanding the template placeholders with params in order.
func NewRequest(route Route, params ...string) *Request {
	return &Request{
		Route:  route,
		Params: params,
		URI:    expandTemplate(route.Template, params),
	}
}

// CompleteURI returns the resolved path together with the encoded query string.
func (r *Request) CompleteURI() string {
	if len(r.Query) == 0 {
		return r.URI
	}
	sep := "?"
	if strings.Contains(r.URI, "?") {
		sep = "&"
	}
	return r.URI + sep + r.Query.Encode()
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Route.Method, r.CompleteURI())
}

func expandTemplate(template string, params []string) string {
	var sb strings.Builder
	next := 0
	for i := 0; i < len(template); i++ {
		if template[i] != '{' {
			sb.WriteByte(template[i])
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 || next >= len(params) {
			sb.WriteString(template[i:])
			break
		}
		sb.WriteString(url.PathEscape(params[next]))
		next++
		i += end
	}
	return sb.String()
}

// Response is the outcome of a successful exchange.
type Response struct {
	StatusCode int
	Header     http.Header

	// Value is the decoded body (the request's Result pointer), if any.
	Value interface{}
}

// Transport performs a single HTTP exchange.
//
// Implementations must return an *ExchangeError for completed exchanges
// with a non-successful status, exposing status code and response headers.
// Any other error (network failure, decode failure) is treated as terminal.
type Transport interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Exchange(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
