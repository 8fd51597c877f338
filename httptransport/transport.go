// Package httptransport is the net/http implementation of reqstream.Transport.
//
// Request bodies are encoded as JSON unless already raw bytes,
// responses are decoded as JSON into the request's Result pointer.
// Every exchange is traced with OpenTelemetry.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fabiofenoglio/reqstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/fabiofenoglio/reqstream/httptransport"

	defaultTimeout  = 30 * time.Second
	contentTypeJSON = "application/json"
)

// Config holds the configuration for a Transport instance
type Config struct {

	// BaseURL is a required parameter, prepended to every request URI.
	BaseURL string

	// Client is the underlying HTTP client.
	// When not provided, a client with a 30 seconds timeout is used.
	Client *http.Client

	// Header holds default headers sent with every request
	// (authorization, user agent). Request headers take precedence.
	Header http.Header

	// TracerProvider can be provided to trace exchanges on a specific
	// provider. When not provided the global one is used.
	TracerProvider trace.TracerProvider

	// you can pass your custom logger if you'd like to
	// but it's not required
	Logger reqstream.Logger
}

// Transport performs exchanges over net/http.
type Transport struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
	Logger  reqstream.Logger

	tracer trace.Tracer
}

var _ reqstream.Transport = (*Transport)(nil)

// New returns a Transport built with the specified configuration.
func New(config *Config) (*Transport, error) {
	if config == nil {
		return nil, errors.New("a configuration is required")
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("a BaseURL is required")
	}

	out := Transport{
		BaseURL: strings.TrimRight(config.BaseURL, "/"),
		Client:  config.Client,
		Header:  config.Header.Clone(),
		Logger:  config.Logger,
	}
	if out.Client == nil {
		out.Client = &http.Client{Timeout: defaultTimeout}
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if out.Logger == nil {
		out.Logger = reqstream.NewNoOpLogger()
	}

	provider := config.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	out.tracer = provider.Tracer(tracerName)

	return &out, nil
}

// Exchange sends the request and decodes the response.
//
// Non-2xx responses are returned as *reqstream.ExchangeError
// carrying status, headers and the raw body.
func (t *Transport) Exchange(ctx context.Context, req *reqstream.Request) (*reqstream.Response, error) {
	ctx, span := t.tracer.Start(ctx, "reqstream.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Route.Method),
			attribute.String("http.route", req.Route.Template),
			attribute.String("url.path", req.URI),
		),
	)
	defer span.End()

	response, err := t.exchange(ctx, req, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return response, nil
}

func (t *Transport) exchange(ctx context.Context, req *reqstream.Request, span trace.Span) (*reqstream.Response, error) {
	httpReq, err := t.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending %s: %w", req, err)
	}
	defer httpResp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))
	if remaining := httpResp.Header.Get(reqstream.HeaderRateLimitRemaining); remaining != "" {
		span.SetAttributes(attribute.String("ratelimit.remaining", remaining))
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response of %s: %w", req, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		t.Logger.Debug(fmt.Sprintf("%s answered with status %d", req, httpResp.StatusCode))
		return nil, &reqstream.ExchangeError{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       body,
		}
	}

	out := &reqstream.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
	}

	if req.Result != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, req.Result); err != nil {
			return nil, fmt.Errorf("error decoding response of %s: %w", req, err)
		}
		out.Value = req.Result
	}

	return out, nil
}

func (t *Transport) buildRequest(ctx context.Context, req *reqstream.Request) (*http.Request, error) {
	var body io.Reader
	contentType := ""

	switch payload := req.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(payload)
	case string:
		body = strings.NewReader(payload)
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("error encoding body of %s: %w", req, err)
		}
		body = bytes.NewReader(encoded)
		contentType = contentTypeJSON
	}

	method := strings.ToUpper(req.Route.Method)
	httpReq, err := http.NewRequestWithContext(ctx, method, t.BaseURL+req.CompleteURI(), body)
	if err != nil {
		return nil, fmt.Errorf("error building %s: %w", req, err)
	}

	for name, values := range t.Header {
		httpReq.Header[name] = append([]string(nil), values...)
	}
	for name, values := range req.Header {
		httpReq.Header[name] = append([]string(nil), values...)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", contentTypeJSON)
	}

	return httpReq, nil
}
