package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/artifact"
	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

// CompiledModel runs a forward pass over encoded inputs and returns one row
// of raw logits per encoding. Implementations need not be safe for
// concurrent use; the batcher serializes calls.
type CompiledModel interface {
	Name() string
	Forward(ctx context.Context, batch []tokenizer.Encoding) ([][]float32, error)
	Close() error
}

// BackendOptions carries the runtime settings some backends need.
type BackendOptions struct {
	BridgeCommand   string
	ONNXLibraryPath string
	Logger          *zap.Logger
}

// BackendOpener builds the CompiledModel for a resolved bundle.
type BackendOpener func(bundle *artifact.Bundle, opts BackendOptions) (CompiledModel, error)

// OpenBackend selects the backend implementation named by the bundle.
func OpenBackend(bundle *artifact.Bundle, opts BackendOptions) (CompiledModel, error) {
	switch bundle.Backend {
	case artifact.BackendNative:
		return NewNativeModel(bundle)
	case artifact.BackendONNX:
		return NewONNXModel(bundle, opts.ONNXLibraryPath)
	case artifact.BackendNeuronBridge:
		return NewNeuronBridgeModel(bundle, opts.BridgeCommand)
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", ErrDeserialization, bundle.Backend)
	}
}

// vocabBounded is implemented by backends whose embedding table limits the
// token ids they accept.
type vocabBounded interface {
	VocabSize() int
}
