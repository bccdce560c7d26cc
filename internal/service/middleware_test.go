package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestID(t *testing.T) {
	t.Run("generates new request ID when not provided", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, c.GetString(requestIDKey))
		})

		w := doRequest(router, http.MethodGet, "/test", "", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Body.String())
		assert.Equal(t, w.Body.String(), w.Header().Get("X-Request-ID"))
	})

	t.Run("uses provided request ID", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, c.GetString(requestIDKey))
		})

		w := doRequest(router, http.MethodGet, "/test", "", map[string]string{"X-Request-ID": "custom-request-id-123"})

		assert.Equal(t, "custom-request-id-123", w.Body.String())
		assert.Equal(t, "custom-request-id-123", w.Header().Get("X-Request-ID"))
	})

	t.Run("falls back to the inference id header", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, c.GetString(requestIDKey))
		})

		w := doRequest(router, http.MethodGet, "/test", "", map[string]string{"X-Amzn-SageMaker-Inference-Id": "sm-42"})

		assert.Equal(t, "sm-42", w.Body.String())
	})
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "info"},
		{http.StatusBadRequest, "warn"},
		{http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			router := gin.New()
			router.Use(RequestID())
			router.Use(Logger(zap.New(core)))
			router.GET("/test", func(c *gin.Context) {
				c.String(tt.status, "x")
			})

			doRequest(router, http.MethodGet, "/test", "", nil)

			entries := logs.All()
			if assert.Len(t, entries, 1) {
				assert.Equal(t, tt.level, entries[0].Level.String())
				assert.Equal(t, int64(tt.status), entries[0].ContextMap()["status"])
				assert.NotEmpty(t, entries[0].ContextMap()["request_id"])
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	t.Run("recovers from panic", func(t *testing.T) {
		router := gin.New()
		router.Use(RequestID())
		router.Use(Recovery(zap.NewNop()))
		router.GET("/test", func(c *gin.Context) {
			panic("test panic")
		})

		w := doRequest(router, http.MethodGet, "/test", "", nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	})

	t.Run("passes through when no panic", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery(zap.NewNop()))
		router.GET("/test", func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})

		w := doRequest(router, http.MethodGet, "/test", "", nil)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{ErrUnsupportedContentType, http.StatusUnsupportedMediaType, "UNSUPPORTED_CONTENT_TYPE"},
		{ErrUnsupportedAcceptType, http.StatusNotAcceptable, "UNSUPPORTED_ACCEPT_TYPE"},
		{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{fmt.Errorf("wrapped: %w", ErrInvalidPayload), http.StatusBadRequest, "INVALID_PAYLOAD"},
		{ErrEncoding, http.StatusBadRequest, "ENCODING_ERROR"},
		{ErrNotReady, http.StatusServiceUnavailable, "NOT_READY"},
		{ErrQueueFull, http.StatusServiceUnavailable, "QUEUE_FULL"},
		{ErrBatcherStopped, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{context.Canceled, http.StatusRequestTimeout, "CANCELED"},
		{ErrBackendUnavailable, http.StatusInternalServerError, "INFERENCE_ERROR"},
		{errors.New("surprise"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			resp := MapError(tt.err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}
