package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

type recordingPredictor struct {
	mu         sync.Mutex
	batchSizes []int
	delay      time.Duration
	err        error
}

func (p *recordingPredictor) Name() string { return "recording" }

func (p *recordingPredictor) Predict(
	ctx context.Context,
	batch []tokenizer.Encoding,
) ([]Prediction, error) {
	p.mu.Lock()
	p.batchSizes = append(p.batchSizes, len(batch))
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	out := make([]Prediction, len(batch))
	for idx, enc := range batch {
		// The first id identifies the input so callers can check ordering.
		out[idx] = Prediction{Label: "label", Score: float64(enc.InputIDs[0])}
	}
	return out, nil
}

func (p *recordingPredictor) Sizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.batchSizes))
	copy(out, p.batchSizes)
	return out
}

func encodingsFor(ids ...int64) []tokenizer.Encoding {
	out := make([]tokenizer.Encoding, len(ids))
	for idx, id := range ids {
		out[idx] = tokenizer.Encoding{
			InputIDs:      []int64{id},
			AttentionMask: []int64{1},
			TokenTypeIDs:  []int64{0},
		}
	}
	return out
}

func TestBatcherRespectsMaxBatchSize(t *testing.T) {
	predictor := &recordingPredictor{}
	batcher, err := NewBatcher(predictor, BatcherConfig{
		MaxBatchSize: 2,
		BatchWindow:  20 * time.Millisecond,
		QueueSize:    16,
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	batcher.Start()
	defer batcher.Stop()

	var wg sync.WaitGroup
	for idx := 0; idx < 5; idx++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, submitErr := batcher.Submit(context.Background(), encodingsFor(int64(i)))
			if submitErr != nil {
				t.Errorf("Submit() error = %v", submitErr)
			}
		}(idx)
	}
	wg.Wait()

	for _, size := range predictor.Sizes() {
		if size > 2 {
			t.Fatalf("batch size %d exceeds max", size)
		}
	}
}

func TestBatcherDefersRequestThatWouldOverflowBatch(t *testing.T) {
	predictor := &recordingPredictor{}
	batcher, err := NewBatcher(predictor, BatcherConfig{
		MaxBatchSize: 4,
		BatchWindow:  50 * time.Millisecond,
		QueueSize:    16,
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	batcher.Start()
	defer batcher.Stop()

	type outcome struct {
		predictions []Prediction
		err         error
	}
	small := make(chan outcome, 1)
	go func() {
		predictions, err := batcher.Submit(context.Background(), encodingsFor(1, 2, 3))
		small <- outcome{predictions, err}
	}()
	time.Sleep(10 * time.Millisecond)
	large, err := batcher.Submit(context.Background(), encodingsFor(4, 5, 6, 7))
	if err != nil {
		t.Fatalf("Submit(large) error = %v", err)
	}
	first := <-small
	if first.err != nil {
		t.Fatalf("Submit(small) error = %v", first.err)
	}

	for idx, want := range []float64{1, 2, 3} {
		if first.predictions[idx].Score != want {
			t.Fatalf("small request prediction %d = %v, want %v", idx, first.predictions[idx].Score, want)
		}
	}
	for idx, want := range []float64{4, 5, 6, 7} {
		if large[idx].Score != want {
			t.Fatalf("large request prediction %d = %v, want %v", idx, large[idx].Score, want)
		}
	}
	sizes := predictor.Sizes()
	if len(sizes) != 2 || sizes[0] != 3 || sizes[1] != 4 {
		t.Fatalf("backend call sizes = %v, want [3 4]", sizes)
	}
}

func TestBatcherBatchesNearbyRequests(t *testing.T) {
	predictor := &recordingPredictor{}
	batcher, err := NewBatcher(predictor, BatcherConfig{
		MaxBatchSize: 8,
		BatchWindow:  25 * time.Millisecond,
		QueueSize:    16,
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	batcher.Start()
	defer batcher.Stop()

	var wg sync.WaitGroup
	for idx := 0; idx < 4; idx++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, submitErr := batcher.Submit(context.Background(), encodingsFor(int64(i)))
			if submitErr != nil {
				t.Errorf("Submit() error = %v", submitErr)
			}
		}(idx)
	}
	wg.Wait()

	sizes := predictor.Sizes()
	foundCombinedBatch := false
	for _, size := range sizes {
		if size >= 2 {
			foundCombinedBatch = true
			break
		}
	}
	if !foundCombinedBatch {
		t.Fatalf("expected at least one combined batch, got sizes=%v", sizes)
	}
}

func TestBatcherPreservesOrderWithinRequest(t *testing.T) {
	predictor := &recordingPredictor{}
	batcher, err := NewBatcher(predictor, BatcherConfig{
		MaxBatchSize: 2,
		BatchWindow:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	batcher.Start()
	defer batcher.Stop()

	predictions, err := batcher.Submit(context.Background(), encodingsFor(7, 3, 9, 1))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	want := []float64{7, 3, 9, 1}
	if len(predictions) != len(want) {
		t.Fatalf("got %d predictions, want %d", len(predictions), len(want))
	}
	for idx, prediction := range predictions {
		if prediction.Score != want[idx] {
			t.Fatalf("prediction %d score = %v, want %v", idx, prediction.Score, want[idx])
		}
	}
	if sizes := predictor.Sizes(); len(sizes) != 1 || sizes[0] != 4 {
		t.Fatalf("oversized request should run alone in one call, got sizes=%v", sizes)
	}
}

func TestBatcherPropagatesPredictorError(t *testing.T) {
	predictor := &recordingPredictor{err: ErrInferenceRuntime}
	var batchErr error
	batcher, err := NewBatcher(predictor, BatcherConfig{
		MaxBatchSize: 4,
		BatchWindow:  time.Millisecond,
		OnBatch: func(_ int, _ time.Duration, _ time.Duration, err error) {
			batchErr = err
		},
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	batcher.Start()

	_, err = batcher.Submit(context.Background(), encodingsFor(1))
	if !errors.Is(err, ErrInferenceRuntime) {
		t.Fatalf("expected ErrInferenceRuntime, got %v", err)
	}
	batcher.Stop()
	if !errors.Is(batchErr, ErrInferenceRuntime) {
		t.Fatalf("OnBatch saw %v", batchErr)
	}
}

func TestBatcherPredictTimeout(t *testing.T) {
	predictor := &recordingPredictor{delay: time.Second}
	batcher, err := NewBatcher(predictor, BatcherConfig{
		MaxBatchSize:   1,
		BatchWindow:    time.Millisecond,
		PredictTimeout: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	batcher.Start()
	defer batcher.Stop()

	_, err = batcher.Submit(context.Background(), encodingsFor(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBatcherQueueFull(t *testing.T) {
	predictor := &recordingPredictor{}
	batcher, err := NewBatcher(predictor, BatcherConfig{
		MaxBatchSize: 1,
		BatchWindow:  time.Millisecond,
		QueueSize:    1,
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	// Not started: the first submit fills the queue.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() {
		_, _ = batcher.Submit(ctx, encodingsFor(1))
	}()
	deadline := time.Now().Add(time.Second)
	for len(batcher.queue) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_, err = batcher.Submit(context.Background(), encodingsFor(2))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestBatcherStopped(t *testing.T) {
	batcher, err := NewBatcher(&recordingPredictor{}, BatcherConfig{
		MaxBatchSize: 1,
		BatchWindow:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBatcher() error = %v", err)
	}
	batcher.Start()
	batcher.Stop()
	batcher.Stop()

	_, err = batcher.Submit(context.Background(), encodingsFor(1))
	if !errors.Is(err, ErrBatcherStopped) {
		t.Fatalf("expected ErrBatcherStopped, got %v", err)
	}
}

func TestNewBatcherValidation(t *testing.T) {
	if _, err := NewBatcher(nil, BatcherConfig{MaxBatchSize: 1, BatchWindow: time.Millisecond}); err == nil {
		t.Fatalf("expected error for nil predictor")
	}
	if _, err := NewBatcher(&recordingPredictor{}, BatcherConfig{BatchWindow: time.Millisecond}); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
	if _, err := NewBatcher(&recordingPredictor{}, BatcherConfig{MaxBatchSize: 1}); err == nil {
		t.Fatalf("expected error for zero window")
	}
}
