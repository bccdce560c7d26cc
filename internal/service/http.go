package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

type HTTPServiceConfig struct {
	MaxBatchSize   int
	BatchWindow    time.Duration
	QueueSize      int
	PredictTimeout time.Duration
	MaxInputBytes  int64
	MaxTexts       int
	// Cache and Recorder are optional.
	Cache    ResultCache
	Recorder PredictionRecorder
	// Dependencies are pinged by /health, keyed by component name.
	Dependencies map[string]Pinger
	Metrics      *Metrics
	Logger       *zap.Logger
}

type HTTPService struct {
	lifecycle *Lifecycle
	model     *Model
	batcher   *Batcher
	metrics   *Metrics
	cache     ResultCache
	recorder  PredictionRecorder
	deps      map[string]Pinger

	predictTimeout time.Duration
	maxInputBytes  int64
	maxTexts       int
	logger         *zap.Logger
}

// NewHTTPService starts batching for the loaded model and moves the
// lifecycle to Serving.
func NewHTTPService(lifecycle *Lifecycle, cfg HTTPServiceConfig) (*HTTPService, error) {
	model, err := lifecycle.Loaded()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	batcher, err := NewBatcher(model, BatcherConfig{
		MaxBatchSize:   cfg.MaxBatchSize,
		BatchWindow:    cfg.BatchWindow,
		QueueSize:      cfg.QueueSize,
		PredictTimeout: cfg.PredictTimeout,
		Logger:         logger,
		OnBatch: func(
			batchSize int,
			avgQueueWait time.Duration,
			inferenceTime time.Duration,
			batchErr error,
		) {
			metrics.RecordBatchStats(batchSize, avgQueueWait, inferenceTime, batchErr == nil)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Serve(); err != nil {
		return nil, err
	}
	batcher.Start()
	metrics.SetModelInfo(model.Name(), model.Digest(), model.MaxLength())
	return &HTTPService{
		lifecycle:      lifecycle,
		model:          model,
		batcher:        batcher,
		metrics:        metrics,
		cache:          cfg.Cache,
		recorder:       cfg.Recorder,
		deps:           cfg.Dependencies,
		predictTimeout: cfg.PredictTimeout,
		maxInputBytes:  cfg.MaxInputBytes,
		maxTexts:       cfg.MaxTexts,
		logger:         logger,
	}, nil
}

func (s *HTTPService) RegisterRoutes(router gin.IRouter) {
	router.GET("/ping", s.handlePing)
	router.POST("/invocations", s.handleInvocations)
	router.POST("/predict", s.handleInvocations)
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

func (s *HTTPService) Close() error {
	s.batcher.Stop()
	return s.lifecycle.Close()
}

func (s *HTTPService) handlePing(c *gin.Context) {
	if s.lifecycle.State() != StateServing {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// HealthStatus is the /health response.
type HealthStatus struct {
	Status     string            `json:"status"`
	State      string            `json:"state"`
	Backend    string            `json:"backend"`
	Components map[string]string `json:"components"`
}

func (s *HTTPService) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	state := s.lifecycle.State()
	healthy := state == StateServing
	components := make(map[string]string, len(s.deps))
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			components[name] = "error: " + err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	backend := ""
	if s.model != nil {
		backend = s.model.Name()
	}
	c.JSON(httpStatus, HealthStatus{
		Status:     status,
		State:      state.String(),
		Backend:    backend,
		Components: components,
	})
}

func (s *HTTPService) handleReady(c *gin.Context) {
	if s.lifecycle.State() != StateServing {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "model is not serving"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *HTTPService) handleInvocations(c *gin.Context) {
	start := time.Now()
	s.metrics.RecordRequestStart()
	code := "OK"
	defer func() {
		s.metrics.RecordRequestDone(time.Since(start), code)
	}()
	fail := func(err error) {
		code = handleError(c, err).Code
	}

	if _, err := s.lifecycle.Serving(); err != nil {
		fail(err)
		return
	}
	accept := c.GetHeader("Accept")
	if _, err := NegotiateAccept(accept); err != nil {
		fail(err)
		return
	}
	body, err := s.readBody(c)
	if err != nil {
		fail(err)
		return
	}
	inputs, err := DecodeRequest(body, c.GetHeader("Content-Type"))
	if err != nil {
		fail(err)
		return
	}
	if s.maxTexts > 0 && len(inputs) > s.maxTexts {
		fail(fmt.Errorf("%w: %d inputs exceed the limit of %d", ErrPayloadTooLarge, len(inputs), s.maxTexts))
		return
	}

	ctx := c.Request.Context()
	if s.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.predictTimeout)
		defer cancel()
	}
	predictions, hits, err := s.classify(ctx, inputs)
	if err != nil {
		fail(err)
		return
	}
	payload, contentType, err := EncodeResponse(predictions, accept)
	if err != nil {
		fail(err)
		return
	}
	c.Data(http.StatusOK, contentType, payload)
	s.record(c, inputs, predictions, hits, time.Since(start))
}

func (s *HTTPService) readBody(c *gin.Context) ([]byte, error) {
	if s.maxInputBytes <= 0 {
		return io.ReadAll(c.Request.Body)
	}
	if c.Request.ContentLength > s.maxInputBytes {
		return nil, fmt.Errorf("%w: %d bytes exceed the limit of %d", ErrPayloadTooLarge, c.Request.ContentLength, s.maxInputBytes)
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxInputBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrPayloadTooLarge, s.maxInputBytes)
		}
		return nil, fmt.Errorf("%w: reading body: %w", ErrInvalidPayload, err)
	}
	return body, nil
}

// Predict classifies inputs, returning predictions in input order.
func (s *HTTPService) Predict(ctx context.Context, inputs []Input) ([]Prediction, error) {
	predictions, _, err := s.classify(ctx, inputs)
	return predictions, err
}

func (s *HTTPService) classify(ctx context.Context, inputs []Input) ([]Prediction, []bool, error) {
	model, err := s.lifecycle.Serving()
	if err != nil {
		return nil, nil, err
	}
	encodings, err := model.Encode(inputs)
	if err != nil {
		return nil, nil, err
	}
	predictions := make([]Prediction, len(encodings))
	hits := make([]bool, len(encodings))
	keys := make([]string, len(encodings))
	missing := make([]int, 0, len(encodings))
	for idx, enc := range encodings {
		if s.cache == nil {
			missing = append(missing, idx)
			continue
		}
		keys[idx] = CacheKey(model.Digest(), enc)
		cached, ok, cacheErr := s.cache.Get(ctx, keys[idx])
		if cacheErr != nil {
			s.logger.Warn("result_cache_lookup_failed", zap.Error(cacheErr))
		}
		s.metrics.RecordCacheLookup(ok)
		if ok {
			predictions[idx] = cached
			hits[idx] = true
			continue
		}
		missing = append(missing, idx)
	}
	if len(missing) == 0 {
		return predictions, hits, nil
	}

	batch := make([]tokenizer.Encoding, len(missing))
	for pos, idx := range missing {
		batch[pos] = encodings[idx]
	}
	computed, err := s.batcher.Submit(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	for pos, idx := range missing {
		predictions[idx] = computed[pos]
		if s.cache == nil {
			continue
		}
		if cacheErr := s.cache.Set(ctx, keys[idx], computed[pos]); cacheErr != nil {
			s.logger.Warn("result_cache_store_failed", zap.Error(cacheErr))
		}
	}
	return predictions, hits, nil
}

func (s *HTTPService) record(
	c *gin.Context,
	inputs []Input,
	predictions []Prediction,
	hits []bool,
	latency time.Duration,
) {
	if s.recorder == nil {
		return
	}
	requestID := c.GetString(requestIDKey)
	events := make([]PredictionEvent, len(predictions))
	for idx, prediction := range predictions {
		events[idx] = PredictionEvent{
			RequestID:      requestID,
			Label:          prediction.Label,
			Score:          prediction.Score,
			Backend:        s.model.Name(),
			ArtifactDigest: s.model.Digest(),
			InputChars:     utf8.RuneCountInString(inputs[idx].Text) + utf8.RuneCountInString(inputs[idx].TextPair),
			Latency:        latency,
			CacheHit:       hits[idx],
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 2*time.Second)
	defer cancel()
	if err := s.recorder.Record(ctx, events); err != nil {
		s.logger.Warn("prediction_audit_failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// NewRouter builds the gin engine with the standard middleware stack.
func NewRouter(svc *HTTPService, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.Use(Logger(logger))
	router.Use(Recovery(logger))
	svc.RegisterRoutes(router)
	return router
}
