package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/afrid0126/Moneymuling/internal/db"
	"github.com/afrid0126/Moneymuling/internal/heuristics"
	"github.com/afrid0126/Moneymuling/internal/ingest"
	"github.com/afrid0126/Moneymuling/internal/runner"
)

// Error codes returned in the "code" field
const (
	CodeInvalidInput   = "invalid_input"
	CodeNotFound       = "not_found"
	CodeNotReady       = "not_ready"
	CodeSuperseded     = "superseded"
	CodeAnalysisFailed = "analysis_failed"
	CodeUnavailable    = "unavailable"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeRateLimited    = "rate_limited"
	CodeTooLarge       = "payload_too_large"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal_error"
)

// apiError is the body of every non-2xx response:
//
//	{"error": {"code": "...", "message": "...", "details": ...}}
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

func (e *apiError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newAPIError(status int, code, message string) *apiError {
	return &apiError{Status: status, Code: code, Message: message}
}

func (e *apiError) withDetails(details any) *apiError {
	e.Details = details
	return e
}

func (e *apiError) withCause(cause error) *apiError {
	e.Cause = cause
	return e
}

// classify maps package errors onto HTTP responses. Unknown errors are 500s
// and their text is not echoed to the client.
func classify(err error) *apiError {
	var ae *apiError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.As(err, &maxBytes):
		return newAPIError(http.StatusRequestEntityTooLarge, CodeTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", maxBytes.Limit))
	case errors.Is(err, ingest.ErrNoTransactions),
		errors.Is(err, ingest.ErrInvalidHeader),
		errors.Is(err, ingest.ErrInvalidRow):
		return newAPIError(http.StatusBadRequest, CodeInvalidInput, err.Error())
	case errors.Is(err, runner.ErrRunNotFound):
		return newAPIError(http.StatusNotFound, CodeNotFound, "run not found")
	case errors.Is(err, db.ErrReportNotFound):
		return newAPIError(http.StatusNotFound, CodeNotFound, "report not found")
	case errors.Is(err, runner.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, CodeUnavailable, "server is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, CodeTimeout, "analysis did not finish in time")
	case errors.Is(err, heuristics.ErrGraphInvariant),
		errors.Is(err, heuristics.ErrDetectorFailed):
		return newAPIError(http.StatusInternalServerError, CodeAnalysisFailed, err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, CodeInternal, "internal server error").withCause(err)
	}
}

// abortWithError writes the error body and stops the handler chain.
func abortWithError(c *gin.Context, err error) {
	ae := classify(err)
	if ae.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(ae.Status, gin.H{"error": ae})
}
