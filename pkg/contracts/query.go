package contracts

import (
	"context"
	"fmt"
)

// ErrorCode is a stable machine-readable failure code.
type ErrorCode string

const (
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBackend            ErrorCode = "BACKEND_ERROR"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeAdapterPanic       ErrorCode = "ADAPTER_PANIC"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
)

// QueryError is the structured error shape observed by the adapter pool.
type QueryError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ServiceUnavailable is returned when no adapter can take a request.
func ServiceUnavailable(msg string) *QueryError {
	return &QueryError{Code: ErrCodeServiceUnavailable, Message: msg, Retryable: true}
}

// QueryRequest is one unit of work sent to a backend.
type QueryRequest struct {
	JobID      string            `json:"job_id"`
	StudyID    string            `json:"study_id"`
	SurfaceID  string            `json:"surface_id"`
	QueryText  string            `json:"query_text"`
	LocationID string            `json:"location_id"`
	Options    map[string]string `json:"options,omitempty"`
}

// Timing reports how long the backend took.
type Timing struct {
	TotalMs int64 `json:"totalMs"`
}

// QueryResponse is what a backend returns. Payload fields are opaque to the
// core and forwarded to evidence capture.
type QueryResponse struct {
	Success      bool        `json:"success"`
	Timing       Timing      `json:"timing"`
	Error        *QueryError `json:"error,omitempty"`
	ResponseText string      `json:"response_text,omitempty"`
	URL          string      `json:"url,omitempty"`
	HTML         string      `json:"html,omitempty"`
	Screenshot   []byte      `json:"screenshot,omitempty"`
	NetworkHAR   []byte      `json:"network_har,omitempty"`
	CostUSD      float64     `json:"cost_usd,omitempty"`

	// AdapterID and SurfaceID are stamped by the pool.
	AdapterID string `json:"adapter_id,omitempty"`
	SurfaceID string `json:"surface_id,omitempty"`
}

// Backend is a concrete query-execution capability for one surface.
type Backend interface {
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)
	Close() error
}
