package service

import (
	"context"
	"time"
)

// Input is one text (optionally paired) to classify.
type Input struct {
	Text     string `json:"text"`
	TextPair string `json:"text_pair,omitempty"`
}

// Prediction is the label with the highest probability and that probability.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// PredictionEvent describes one served prediction for audit logging.
type PredictionEvent struct {
	RequestID      string
	Label          string
	Score          float64
	Backend        string
	ArtifactDigest string
	InputChars     int
	Latency        time.Duration
	CacheHit       bool
}

// PredictionRecorder persists served predictions. Failures are logged by the
// caller and never fail the request.
type PredictionRecorder interface {
	Record(ctx context.Context, events []PredictionEvent) error
}
