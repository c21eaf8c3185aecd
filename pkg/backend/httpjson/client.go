// Package httpjson is a generic backend capability that forwards query
// requests to an HTTP service speaking JSON.
//
// The service receives the contracts.QueryRequest as the POST body and
// answers with a contracts.QueryResponse. Non-2xx status codes are mapped to
// structured query errors so the adapter pool can account for them.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

const maxBodyBytes = 32 << 20

// Config configures one backend endpoint.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	// Headers are sent on every request, e.g. an Authorization token.
	Headers map[string]string
}

// Client wraps http.Client with trace propagation and error mapping.
type Client struct {
	endpoint   string
	headers    map[string]string
	client     *http.Client
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("httpjson: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		headers:    cfg.Headers,
		client:     &http.Client{Timeout: timeout},
		tracer:     otel.Tracer("bentham.backend.httpjson"),
		propagator: otel.GetTextMapPropagator(),
	}, nil
}

// WithHTTPClient replaces the underlying client, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Query posts req and decodes the response.
func (c *Client) Query(ctx context.Context, req contracts.QueryRequest) (*contracts.QueryResponse, error) {
	ctx, span := c.tracer.Start(ctx, "backend.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bentham.job_id", req.JobID),
			attribute.String("bentham.surface_id", req.SurfaceID),
		),
	)
	defer span.End()

	resp, err := c.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !resp.Success {
		span.SetStatus(codes.Error, "backend reported failure")
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req contracts.QueryRequest) (*contracts.QueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &contracts.QueryError{Code: contracts.ErrCodeInvalidRequest, Message: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &contracts.QueryError{Code: contracts.ErrCodeInvalidRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	// W3C trace context from the active span.
	c.propagator.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &contracts.QueryError{Code: contracts.ErrCodeTimeout, Message: err.Error(), Retryable: true}
		}
		return nil, fmt.Errorf("httpjson: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("httpjson: read body: %w", err)
	}
	if qerr := statusError(httpResp, payload); qerr != nil {
		return nil, qerr
	}

	var out contracts.QueryResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, &contracts.QueryError{
			Code:      contracts.ErrCodeBackend,
			Message:   fmt.Sprintf("decode response: %v", err),
			Retryable: true,
		}
	}
	if out.Timing.TotalMs == 0 {
		out.Timing.TotalMs = time.Since(start).Milliseconds()
	}
	return &out, nil
}

// statusError maps HTTP status codes onto query error codes.
func statusError(resp *http.Response, body []byte) *contracts.QueryError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := fmt.Sprintf("status %d", resp.StatusCode)
	if len(body) > 0 {
		// Prefer a structured error body when the service sends one.
		var qe contracts.QueryError
		if json.Unmarshal(body, &qe) == nil && qe.Code != "" {
			return &qe
		}
		if len(body) > 256 {
			body = body[:256]
		}
		msg += ": " + string(bytes.TrimSpace(body))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				msg += fmt.Sprintf(" (retry after %ds)", secs)
			}
		}
		return &contracts.QueryError{Code: contracts.ErrCodeRateLimited, Message: msg, Retryable: true}
	case resp.StatusCode == http.StatusNotFound:
		return &contracts.QueryError{Code: contracts.ErrCodeNotFound, Message: msg}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return &contracts.QueryError{Code: contracts.ErrCodeTimeout, Message: msg, Retryable: true}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return &contracts.QueryError{Code: contracts.ErrCodeServiceUnavailable, Message: msg, Retryable: true}
	case resp.StatusCode >= 500:
		return &contracts.QueryError{Code: contracts.ErrCodeBackend, Message: msg, Retryable: true}
	default:
		return &contracts.QueryError{Code: contracts.ErrCodeInvalidRequest, Message: msg}
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
