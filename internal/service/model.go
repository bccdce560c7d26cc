package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/apex-x/textcls-runtime/internal/artifact"
	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

// LoadOptions override what the artifact directory declares.
type LoadOptions struct {
	// Backend forces a backend instead of the manifest or extension choice.
	Backend string
	// MaxLength replaces the manifest max_length when positive.
	MaxLength int
	// TokenizerDirs are searched after the artifact directory.
	TokenizerDirs []string
	Backends      BackendOptions
	// Open builds the backend; OpenBackend when nil.
	Open BackendOpener
}

// Model is a deserialized classifier ready for inference: the compiled
// backend, its tokenizer and its label set.
type Model struct {
	bundle    *artifact.Bundle
	backend   CompiledModel
	tokenizer *tokenizer.WordPiece
	maxLength int
}

// LoadModel resolves dir, loads the tokenizer and deserializes the artifact.
// Missing files yield ErrArtifactNotFound; anything unreadable or
// incompatible yields ErrDeserialization.
func LoadModel(dir string, opts LoadOptions) (*Model, error) {
	bundle, err := artifact.Resolve(dir, opts.Backend)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrArtifactNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	maxLength := bundle.Manifest.MaxLength
	if opts.MaxLength > 0 {
		maxLength = opts.MaxLength
		bundle.Manifest.MaxLength = maxLength
	}

	searchDirs := append([]string{bundle.Dir, filepath.Join(bundle.Dir, "tokenizer")}, opts.TokenizerDirs...)
	tok, err := tokenizer.LoadNamed(bundle.Manifest.Tokenizer, searchDirs, bundle.Manifest.TokenizerOptions())
	if err != nil {
		if errors.Is(err, tokenizer.ErrVocabularyNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrArtifactNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if _, err := tok.Encode("", maxLength); err != nil {
		return nil, fmt.Errorf("%w: max_length %d: %w", ErrDeserialization, maxLength, err)
	}

	open := opts.Open
	if open == nil {
		open = OpenBackend
	}
	backend, err := open(bundle, opts.Backends)
	if err != nil {
		if errors.Is(err, ErrDeserialization) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	if bounded, ok := backend.(vocabBounded); ok && tok.VocabSize() > bounded.VocabSize() {
		_ = backend.Close()
		return nil, fmt.Errorf(
			"%w: tokenizer has %d tokens but the model embeds %d",
			ErrDeserialization,
			tok.VocabSize(),
			bounded.VocabSize(),
		)
	}
	return &Model{
		bundle:    bundle,
		backend:   backend,
		tokenizer: tok,
		maxLength: maxLength,
	}, nil
}

func (m *Model) Name() string { return m.backend.Name() }

func (m *Model) Labels() []string { return m.bundle.Manifest.Labels }

func (m *Model) MaxLength() int { return m.maxLength }

// Digest identifies the loaded artifact file.
func (m *Model) Digest() string { return m.bundle.Digest }

func (m *Model) Bundle() *artifact.Bundle { return m.bundle }

// Tokenizer is shared read-only across requests.
func (m *Model) Tokenizer() *tokenizer.WordPiece { return m.tokenizer }

// Backend is the compiled model handle selected at load time.
func (m *Model) Backend() CompiledModel { return m.backend }

// Encode tokenizes every input to exactly MaxLength positions.
func (m *Model) Encode(inputs []Input) ([]tokenizer.Encoding, error) {
	encodings := make([]tokenizer.Encoding, len(inputs))
	for idx, input := range inputs {
		var enc tokenizer.Encoding
		var err error
		if input.TextPair != "" {
			enc, err = m.tokenizer.EncodePair(input.Text, input.TextPair, m.maxLength)
		} else {
			enc, err = m.tokenizer.Encode(input.Text, m.maxLength)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %w", ErrEncoding, idx, err)
		}
		encodings[idx] = enc
	}
	return encodings, nil
}

// Predict runs the backend and reduces each logit row to its most probable
// label. Output order matches input order.
func (m *Model) Predict(ctx context.Context, batch []tokenizer.Encoding) ([]Prediction, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	logits, err := m.backend.Forward(ctx, batch)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrInferenceRuntime) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInferenceRuntime, err)
	}
	if len(logits) != len(batch) {
		return nil, fmt.Errorf("%w: backend returned %d rows for %d inputs", ErrInferenceRuntime, len(logits), len(batch))
	}
	labels := m.Labels()
	out := make([]Prediction, len(batch))
	for idx, row := range logits {
		if len(row) != len(labels) {
			return nil, fmt.Errorf("%w: backend returned %d logits for %d labels", ErrInferenceRuntime, len(row), len(labels))
		}
		probs := Softmax(row)
		best := Argmax(probs)
		if math.IsNaN(probs[best]) {
			return nil, fmt.Errorf("%w: backend returned non-finite logits", ErrInferenceRuntime)
		}
		out[idx] = Prediction{Label: labels[best], Score: probs[best]}
	}
	return out, nil
}

func (m *Model) Close() error {
	return m.backend.Close()
}

// Softmax converts logits to probabilities, shifting by the maximum logit
// for numerical stability.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := math.Inf(-1)
	for _, value := range logits {
		maxLogit = math.Max(maxLogit, float64(value))
	}
	probs := make([]float64, len(logits))
	var total float64
	for idx, value := range logits {
		probs[idx] = math.Exp(float64(value) - maxLogit)
		total += probs[idx]
	}
	for idx := range probs {
		probs[idx] /= total
	}
	return probs
}

// Argmax returns the index of the largest value; ties resolve to the lowest
// index.
func Argmax(values []float64) int {
	best := 0
	for idx := 1; idx < len(values); idx++ {
		if values[idx] > values[best] {
			best = idx
		}
	}
	return best
}
