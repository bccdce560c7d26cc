package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

var (
	ErrQueueFull      = errors.New("request queue is full")
	ErrBatcherStopped = errors.New("batcher is stopped")
)

// Predictor is the batch inference call the batcher drives.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, batch []tokenizer.Encoding) ([]Prediction, error)
}

type batchItem struct {
	ctx       context.Context
	encodings []tokenizer.Encoding
	enqueued  time.Time
	result    chan batchResult
}

type batchResult struct {
	predictions []Prediction
	err         error
}

type BatcherConfig struct {
	// MaxBatchSize bounds the number of encodings per backend call. A single
	// request larger than this still runs, alone.
	MaxBatchSize int
	BatchWindow  time.Duration
	QueueSize    int
	// PredictTimeout bounds each backend call; zero means no bound.
	PredictTimeout time.Duration
	OnBatch        func(batchSize int, avgQueueWait time.Duration, inferenceTime time.Duration, err error)
	Logger         *zap.Logger
}

// Batcher coalesces concurrent requests into backend calls made from a
// single goroutine.
type Batcher struct {
	predictor Predictor
	cfg       BatcherConfig

	queue    chan batchItem
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

func NewBatcher(predictor Predictor, cfg BatcherConfig) (*Batcher, error) {
	if predictor == nil {
		return nil, errors.New("predictor must not be nil")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be > 0")
	}
	if cfg.BatchWindow <= 0 {
		return nil, fmt.Errorf("batch window must be > 0")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		predictor: predictor,
		cfg:       cfg,
		queue:     make(chan batchItem, cfg.QueueSize),
		stop:      make(chan struct{}),
		logger:    logger,
	}, nil
}

func (b *Batcher) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
}

func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.wg.Wait()
}

// Submit queues the encodings of one request and waits for their
// predictions, returned in input order.
func (b *Batcher) Submit(ctx context.Context, encodings []tokenizer.Encoding) ([]Prediction, error) {
	if len(encodings) == 0 {
		return nil, nil
	}
	resultCh := make(chan batchResult, 1)
	item := batchItem{
		ctx:       ctx,
		encodings: encodings,
		enqueued:  time.Now(),
		result:    resultCh,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stop:
		return nil, ErrBatcherStopped
	default:
	}

	select {
	case b.queue <- item:
	default:
		return nil, ErrQueueFull
	}

	select {
	case result := <-resultCh:
		return result.predictions, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stop:
		return nil, ErrBatcherStopped
	}
}

func (b *Batcher) run() {
	var held *batchItem
	for {
		if held != nil {
			first := *held
			select {
			case <-b.stop:
				first.result <- batchResult{err: ErrBatcherStopped}
				b.drain()
				return
			default:
			}
			held = b.processBatch(first)
			continue
		}
		select {
		case <-b.stop:
			b.drain()
			return
		case first := <-b.queue:
			held = b.processBatch(first)
		}
	}
}

func (b *Batcher) drain() {
	for {
		select {
		case item := <-b.queue:
			item.result <- batchResult{err: ErrBatcherStopped}
		default:
			return
		}
	}
}

// processBatch runs one backend call starting with first. A queued request
// that would push the call past MaxBatchSize is returned unprocessed and
// starts the next batch.
func (b *Batcher) processBatch(first batchItem) *batchItem {
	batch := []batchItem{first}
	size := len(first.encodings)
	timer := time.NewTimer(b.cfg.BatchWindow)
	defer timer.Stop()

	var held *batchItem
collectLoop:
	for size < b.cfg.MaxBatchSize {
		select {
		case <-b.stop:
			b.failAll(batch, ErrBatcherStopped)
			return nil
		case next := <-b.queue:
			if size+len(next.encodings) > b.cfg.MaxBatchSize {
				held = &next
				break collectLoop
			}
			batch = append(batch, next)
			size += len(next.encodings)
		case <-timer.C:
			break collectLoop
		}
	}
	b.runBatch(batch, size)
	return held
}

func (b *Batcher) runBatch(batch []batchItem, size int) {
	live := batch[:0]
	for _, item := range batch {
		if err := item.ctx.Err(); err != nil {
			item.result <- batchResult{err: err}
			continue
		}
		live = append(live, item)
	}
	if len(live) == 0 {
		return
	}
	batch = live

	encodings := make([]tokenizer.Encoding, 0, size)
	for _, item := range batch {
		encodings = append(encodings, item.encodings...)
	}

	batchStart := time.Now()
	queueWaitTotal := time.Duration(0)
	for _, item := range batch {
		wait := batchStart.Sub(item.enqueued)
		if wait < 0 {
			wait = 0
		}
		queueWaitTotal += wait
	}
	avgQueueWait := queueWaitTotal / time.Duration(len(batch))

	ctx := context.Background()
	if b.cfg.PredictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PredictTimeout)
		defer cancel()
	}
	inferenceStart := time.Now()
	predictions, err := b.predictor.Predict(ctx, encodings)
	inferenceTime := time.Since(inferenceStart)
	if err == nil && len(predictions) != len(encodings) {
		err = fmt.Errorf(
			"%w: predictor returned %d predictions for %d inputs",
			ErrInferenceRuntime,
			len(predictions),
			len(encodings),
		)
	}
	if b.cfg.OnBatch != nil {
		b.cfg.OnBatch(len(encodings), avgQueueWait, inferenceTime, err)
	}

	fields := []zap.Field{
		zap.String("backend", b.predictor.Name()),
		zap.Int("batch_size", len(encodings)),
		zap.Int("requests", len(batch)),
		zap.Duration("queue_wait", avgQueueWait),
		zap.Duration("inference", inferenceTime),
	}
	if err != nil {
		b.logger.Error("batch_inference_failed", append(fields, zap.Error(err))...)
		b.failAll(batch, err)
		return
	}
	b.logger.Debug("batch_inference_done", fields...)

	offset := 0
	for _, item := range batch {
		n := len(item.encodings)
		item.result <- batchResult{predictions: predictions[offset : offset+n]}
		offset += n
	}
}

func (b *Batcher) failAll(batch []batchItem, err error) {
	for _, item := range batch {
		item.result <- batchResult{err: err}
	}
}
