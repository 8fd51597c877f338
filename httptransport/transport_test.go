package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/fabiofenoglio/reqstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type message struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

var createMessage = reqstream.Route{Method: http.MethodPost, Template: "/channels/{channel.id}/messages"}

func buildTransport(t *testing.T, handler http.HandlerFunc) (*Transport, *tracetest.SpanRecorder) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	transport, err := New(&Config{
		BaseURL:        server.URL + "/",
		Header:         http.Header{"Authorization": {"Bot secret"}},
		TracerProvider: provider,
	})
	require.NoError(t, err)
	return transport, recorder
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{BaseURL: "  "})
	assert.Error(t, err)

	transport, err := New(&Config{BaseURL: "http://localhost:8080/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api", transport.BaseURL)
	assert.NotNil(t, transport.Client)
}

func TestExchangeEncodesAndDecodesJSON(t *testing.T) {
	transport, recorder := buildTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels/42/messages", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "reason", r.Header.Get("X-Audit-Log-Reason"))

		var in message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "hello", in.Content)

		w.Header().Set(reqstream.HeaderRateLimitRemaining, "4")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(message{ID: "1", Content: in.Content})
	})

	req := reqstream.NewRequest(createMessage, "42")
	req.Query = url.Values{"wait": {"true"}}
	req.Header = http.Header{"X-Audit-Log-Reason": {"reason"}}
	req.Body = message{Content: "hello"}
	req.Result = &message{}

	response, err := transport.Exchange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "4", response.Header.Get(reqstream.HeaderRateLimitRemaining))
	assert.Equal(t, &message{ID: "1", Content: "hello"}, response.Value)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "reqstream.exchange", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("http.route", createMessage.Template))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.response.status_code", http.StatusOK))
	assert.Contains(t, spans[0].Attributes(), attribute.String("ratelimit.remaining", "4"))
}

func TestExchangeSendsRawBodies(t *testing.T) {
	transport, _ := buildTransport(t, func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "raw payload", string(raw))
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	})

	req := reqstream.NewRequest(createMessage, "42")
	req.Body = []byte("raw payload")

	response, err := transport.Exchange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, response.StatusCode)
	assert.Nil(t, response.Value)
}

func TestExchangeReturnsExchangeError(t *testing.T) {
	transport, recorder := buildTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(reqstream.HeaderRetryAfter, "1500")
		w.Header().Set(reqstream.HeaderRateLimitGlobal, "true")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"You are being rate limited."}`))
	})

	req := reqstream.NewRequest(createMessage, "42")
	req.Result = &message{}

	_, err := transport.Exchange(context.Background(), req)
	require.Error(t, err)
	assert.True(t, reqstream.IsRateLimited(err))

	var exchangeErr *reqstream.ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, "1500", exchangeErr.Header.Get(reqstream.HeaderRetryAfter))
	assert.Contains(t, string(exchangeErr.Body), "rate limited")

	decision := reqstream.ServerDirectedRetryPolicy{}.Decide(err, 1)
	assert.True(t, decision.Retry)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestExchangeDecodeFailureIsTerminal(t *testing.T) {
	transport, _ := buildTransport(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	req := reqstream.NewRequest(createMessage, "42")
	req.Result = &message{}

	_, err := transport.Exchange(context.Background(), req)
	require.Error(t, err)
	assert.False(t, reqstream.IsRateLimited(err))

	var exchangeErr *reqstream.ExchangeError
	assert.NotErrorAs(t, err, &exchangeErr)
}

func TestExchangeHonoursContext(t *testing.T) {
	transport, _ := buildTransport(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transport.Exchange(ctx, reqstream.NewRequest(createMessage, "42"))
	assert.ErrorIs(t, err, context.Canceled)
}
