package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apex-x/textcls-runtime/internal/artifact"
	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"i", "love", "it", "!", "hate", "this", "movie", ".",
}

// writeModelDir writes a native artifact whose classifier reads "love" as
// positive and "hate" as negative.
func writeModelDir(t *testing.T, labels []string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, tokenizer.VocabFileName),
		[]byte(strings.Join(testVocab, "\n")+"\n"),
		0o644,
	))

	const hidden = 2
	embeddings := make([]float32, len(testVocab)*hidden)
	embeddings[5*hidden] = 4   // love -> positive axis
	embeddings[8*hidden+1] = 4 // hate -> negative axis
	weight := make([]float32, len(labels)*hidden)
	weight[0*hidden+1] = 1
	if len(labels) > 1 {
		weight[1*hidden+0] = 1
	}
	f, err := os.Create(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	require.NoError(t, artifact.WriteSafetensors(f, map[string]artifact.Tensor{
		TensorEmbeddings:       {Shape: []int{len(testVocab), hidden}, Data: embeddings},
		TensorClassifierWeight: {Shape: []int{len(labels), hidden}, Data: weight},
		TensorClassifierBias:   {Shape: []int{len(labels)}, Data: make([]float32, len(labels))},
	}))
	require.NoError(t, f.Close())
	return dir
}

func loadTestModel(t *testing.T, opts LoadOptions) *Model {
	t.Helper()
	model, err := LoadModel(writeModelDir(t, artifact.DefaultLabels), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = model.Close() })
	return model
}

// fakeBackend returns fixed logits per call and records batch sizes.
type fakeBackend struct {
	mu      sync.Mutex
	logits  []float32
	err     error
	rows    int
	batches []int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Forward(_ context.Context, batch []tokenizer.Encoding) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, len(batch))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rows := len(batch)
	if f.rows > 0 {
		rows = f.rows
	}
	out := make([][]float32, rows)
	for idx := range out {
		out[idx] = append([]float32(nil), f.logits...)
	}
	return out, nil
}

func (f *fakeBackend) Close() error { return nil }

func openFake(backend CompiledModel) BackendOpener {
	return func(*artifact.Bundle, BackendOptions) (CompiledModel, error) {
		return backend, nil
	}
}
