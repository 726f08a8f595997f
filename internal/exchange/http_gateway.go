// Package exchange implements the IExchangeGateway contract: the abstract
// boundary between the dispatcher subsystem and an external exchange.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dispatchcore/internal/core"
	"dispatchcore/internal/telemetry"
)

// Signer attaches exchange authentication to an outgoing request.
type Signer interface {
	SignRequest(req *http.Request) error
}

// APIError is a non-2xx HTTP response from the exchange.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: API error status=%d body=%s", e.StatusCode, string(e.Body))
}

// HTTPGateway implements core.IExchangeGateway over a resilient HTTP client:
// a token-bucket rate limiter in front of a failsafe-go retry+circuit
// breaker pipeline, with OTel tracing and counters on every call.
type HTTPGateway struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*http.Response]
	events   chan core.FillEvent
	feed     *eventFeed

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewHTTPGateway builds an HTTPGateway against baseURL with the given
// signer, rate limit, and timeout. When eventsWSURL is non-empty, a
// reconnecting WebSocket feed is started immediately, decoding the
// exchange's push fill/status stream onto Events(); when empty, Events()
// returns a channel that never yields, matching a venue with no push feed.
func NewHTTPGateway(baseURL string, timeout time.Duration, signer Signer, requestsPerSec float64, burst int, eventsWSURL string, logger core.ILogger) *HTTPGateway {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("exchange-gateway")
	meter := telemetry.GetMeter("exchange-gateway")
	reqCounter, _ := meter.Int64Counter("exchange_requests_total", metric.WithDescription("Total exchange gateway requests"))
	errCounter, _ := meter.Int64Counter("exchange_errors_total", metric.WithDescription("Total exchange gateway errors"))
	latencyHist, _ := meter.Float64Histogram("exchange_request_duration_seconds", metric.WithDescription("Exchange gateway request latency"))

	gw := &HTTPGateway{
		client:      &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		signer:      signer,
		limiter:     rate.NewLimiter(rate.Limit(requestsPerSec), burst),
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		events:      make(chan core.FillEvent, 1024),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}

	if eventsWSURL != "" {
		gw.feed = newEventFeed(eventsWSURL, gw.events, logger)
		gw.feed.Start()
	}

	return gw
}

// Stop shuts down the background event feed, if one was started. It is not
// part of core.IExchangeGateway; callers type-assert for it during shutdown.
func (g *HTTPGateway) Stop() {
	if g.feed != nil {
		g.feed.Stop()
	}
}

// Place submits a new order.
func (g *HTTPGateway) Place(ctx context.Context, order core.Order) (core.PlaceResult, error) {
	body := map[string]any{
		"client_order_id": order.OrderID,
		"symbol":          order.Symbol,
		"side":             order.Side,
		"type":             order.Type,
		"quantity":         order.Quantity.String(),
		"price":            order.Price.String(),
	}

	respBody, err := g.post(ctx, "/v1/orders", body)
	if err != nil {
		return classifyFailure(err), err
	}

	var decoded struct {
		ExchangeOrderID string `json:"exchange_order_id"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return core.PlaceResult{Kind: core.GatewayRejected, Reason: "malformed response"}, fmt.Errorf("exchange: decode place response: %w", err)
	}

	return core.PlaceResult{Kind: core.GatewayAccepted, ExchangeOrderID: decoded.ExchangeOrderID}, nil
}

// Cancel cancels an open order.
func (g *HTTPGateway) Cancel(ctx context.Context, exchangeOrderID string) (core.CancelResult, error) {
	_, err := g.delete(ctx, "/v1/orders/"+exchangeOrderID)
	if err != nil {
		var apiErr *APIError
		if isAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return core.CancelResult{Kind: core.GatewayNotFound}, nil
		}
		kind := core.GatewayTransient
		if !isTransient(err) {
			kind = core.GatewayRejected
		}
		return core.CancelResult{Kind: kind, Reason: err.Error()}, err
	}
	return core.CancelResult{Kind: core.GatewayCancelled}, nil
}

// Query fetches the current status of an order.
func (g *HTTPGateway) Query(ctx context.Context, exchangeOrderID string) (core.OrderStatus, error) {
	respBody, err := g.get(ctx, "/v1/orders/"+exchangeOrderID, nil)
	if err != nil {
		return "", err
	}

	var decoded struct {
		Status core.OrderStatus `json:"status"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("exchange: decode query response: %w", err)
	}
	return decoded.Status, nil
}

// QueryByClientOrderID looks an order up by the dispatcher's own OrderID, the
// deterministic recovery path after a crash between "accepted by exchange"
// and "persisted locally".
func (g *HTTPGateway) QueryByClientOrderID(ctx context.Context, clientOrderID string) (core.PlaceResult, bool, error) {
	respBody, err := g.get(ctx, "/v1/orders/by-client-id/"+clientOrderID, nil)
	if err != nil {
		var apiErr *APIError
		if isAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return core.PlaceResult{}, false, nil
		}
		return core.PlaceResult{}, false, err
	}

	var decoded struct {
		ExchangeOrderID string `json:"exchange_order_id"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return core.PlaceResult{}, false, fmt.Errorf("exchange: decode query-by-client-id response: %w", err)
	}
	return core.PlaceResult{Kind: core.GatewayAccepted, ExchangeOrderID: decoded.ExchangeOrderID}, true, nil
}

// Events returns the at-least-once fill/status event stream.
func (g *HTTPGateway) Events(_ context.Context) (<-chan core.FillEvent, error) {
	return g.events, nil
}

func (g *HTTPGateway) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return g.do(req)
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("exchange: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *HTTPGateway) delete(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	return g.do(req)
}

func (g *HTTPGateway) do(req *http.Request) ([]byte, error) {
	if err := g.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("exchange: rate limiter: %w", err)
	}

	start := time.Now()
	ctx, span := g.tracer.Start(req.Context(), fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(attribute.String("http.method", req.Method), attribute.String("http.url", req.URL.String())))
	defer span.End()
	req = req.WithContext(ctx)

	if g.signer != nil {
		if err := g.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("exchange: sign request: %w", err)
		}
	}

	resp, err := g.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return g.client.Do(req)
	})

	g.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", req.Method), attribute.String("path", req.URL.Path)))
	g.latencyHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("path", req.URL.Path)))

	if err != nil {
		span.RecordError(err)
		g.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", req.URL.Path), attribute.String("error", "pipeline_failed")))
		return nil, fmt.Errorf("exchange: request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("exchange: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		g.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", req.URL.Path), attribute.Int("status", resp.StatusCode)))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	return body, nil
}

func classifyFailure(err error) core.PlaceResult {
	if isTransient(err) {
		return core.PlaceResult{Kind: core.GatewayTransient, Reason: err.Error()}
	}
	return core.PlaceResult{Kind: core.GatewayRejected, Reason: err.Error()}
}

// isTransient mirrors the upstream heuristic of distinguishing retriable
// infrastructure errors from a definitive exchange rejection by inspecting
// the failure text, since the gateway's wrapped errors do not carry a
// structured code for every exchange-specific 4xx reason.
func isTransient(err error) bool {
	var apiErr *APIError
	if isAPIError(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "request failed")
}

func isAPIError(err error, target **APIError) bool {
	for err != nil {
		if apiErr, ok := err.(*APIError); ok {
			*target = apiErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

var _ core.IExchangeGateway = (*HTTPGateway)(nil)
