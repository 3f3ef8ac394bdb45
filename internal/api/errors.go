package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sutfleet/internal/broker"
	"sutfleet/internal/session"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrSchedulerDisabled = errors.New("deferred start requires redis")
	ErrEventsDisabled    = errors.New("event stream is not available")
)

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

func respondBrokerError(c *gin.Context, code int, detail string) {
	c.JSON(code, BrokerErrorResponse{StatusCode: code, Detail: detail})
}

func mapSessionError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists), errors.Is(err, session.ErrSessionRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidRecord):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// mapBrokerError turns an enqueue failure into a status code and a detail
// naming the failure kind.
func mapBrokerError(err error) (int, string) {
	var upstream *broker.UpstreamError
	var unreachable *broker.UnreachableError
	switch {
	case errors.Is(err, broker.ErrQueueFull):
		return http.StatusServiceUnavailable, "QueueFull: " + err.Error()
	case errors.Is(err, broker.ErrTimeout):
		return http.StatusGatewayTimeout, "Timeout: " + err.Error()
	case errors.As(err, &upstream):
		code := upstream.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		return code, "UpstreamError: " + upstream.Detail
	case errors.As(err, &unreachable):
		return http.StatusBadGateway, "UpstreamUnreachable: " + err.Error()
	case errors.Is(err, broker.ErrWorkerFault):
		return http.StatusInternalServerError, "UnexpectedWorkerFault: " + err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Cancelled: " + err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error: " + err.Error()
	}
}
