package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	Error ErrorInfo `json:"error"`
	Meta  MetaInfo  `json:"meta"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MetaInfo struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id"`
}

// ErrorResponse is the HTTP form of an error.
type ErrorResponse struct {
	StatusCode int
	Code       string
	Message    string
}

// MapError maps the error taxonomy to HTTP responses. Client errors carry
// the error text; server errors carry a fixed message.
func MapError(err error) ErrorResponse {
	switch {
	case errors.Is(err, ErrUnsupportedContentType):
		return ErrorResponse{http.StatusUnsupportedMediaType, "UNSUPPORTED_CONTENT_TYPE", err.Error()}
	case errors.Is(err, ErrUnsupportedAcceptType):
		return ErrorResponse{http.StatusNotAcceptable, "UNSUPPORTED_ACCEPT_TYPE", err.Error()}
	case errors.Is(err, ErrPayloadTooLarge):
		return ErrorResponse{http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error()}
	case errors.Is(err, ErrInvalidPayload):
		return ErrorResponse{http.StatusBadRequest, "INVALID_PAYLOAD", err.Error()}
	case errors.Is(err, ErrEncoding):
		return ErrorResponse{http.StatusBadRequest, "ENCODING_ERROR", err.Error()}
	case errors.Is(err, ErrNotReady):
		return ErrorResponse{http.StatusServiceUnavailable, "NOT_READY", "model is not serving"}
	case errors.Is(err, ErrQueueFull):
		return ErrorResponse{http.StatusServiceUnavailable, "QUEUE_FULL", "request queue is full"}
	case errors.Is(err, ErrBatcherStopped):
		return ErrorResponse{http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down"}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse{http.StatusGatewayTimeout, "TIMEOUT", "inference timed out"}
	case errors.Is(err, context.Canceled):
		return ErrorResponse{http.StatusRequestTimeout, "CANCELED", "request canceled"}
	case errors.Is(err, ErrInferenceRuntime):
		return ErrorResponse{http.StatusInternalServerError, "INFERENCE_ERROR", "inference failed"}
	default:
		return ErrorResponse{http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"}
	}
}

func newMeta(c *gin.Context) MetaInfo {
	requestID := c.GetString(requestIDKey)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return MetaInfo{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

func respondError(c *gin.Context, status int, code string, message string) {
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: ErrorInfo{Code: code, Message: message},
		Meta:  newMeta(c),
	})
}

func handleError(c *gin.Context, err error) ErrorResponse {
	resp := MapError(err)
	_ = c.Error(err)
	respondError(c, resp.StatusCode, resp.Code, resp.Message)
	return resp
}
