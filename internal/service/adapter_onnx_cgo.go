//go:build onnxruntime && cgo

package service

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/apex-x/textcls-runtime/internal/artifact"
	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initORT(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXModel runs an exported sequence-classification graph in-process.
type ONNXModel struct {
	session   *ort.DynamicAdvancedSession
	binding   artifact.ONNXBinding
	numLabels int
	closeOnce sync.Once
}

func NewONNXModel(bundle *artifact.Bundle, libraryPath string) (CompiledModel, error) {
	if err := initORT(libraryPath); err != nil {
		return nil, fmt.Errorf("%w: initializing onnxruntime: %w", ErrDeserialization, err)
	}
	binding := bundle.Manifest.ONNX
	inputNames := []string{binding.InputIDs, binding.AttentionMask}
	if binding.TokenTypeIDs != "" {
		inputNames = append(inputNames, binding.TokenTypeIDs)
	}
	session, err := ort.NewDynamicAdvancedSession(
		bundle.ArtifactPath,
		inputNames,
		[]string{binding.Output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: opening onnx session: %w", ErrDeserialization, err)
	}
	return &ONNXModel{
		session:   session,
		binding:   binding,
		numLabels: len(bundle.Manifest.Labels),
	}, nil
}

func (m *ONNXModel) Name() string {
	return artifact.BackendONNX
}

func (m *ONNXModel) Forward(ctx context.Context, batch []tokenizer.Encoding) ([][]float32, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqLen := batch[0].Len()
	ids := make([]int64, 0, len(batch)*seqLen)
	mask := make([]int64, 0, len(batch)*seqLen)
	types := make([]int64, 0, len(batch)*seqLen)
	for idx, enc := range batch {
		if enc.Len() != seqLen {
			return nil, fmt.Errorf("%w: input %d has length %d, batch uses %d", ErrInferenceRuntime, idx, enc.Len(), seqLen)
		}
		ids = append(ids, enc.InputIDs...)
		mask = append(mask, enc.AttentionMask...)
		types = append(types, enc.TokenTypeIDs...)
	}
	shape := ort.NewShape(int64(len(batch)), int64(seqLen))

	values := make([]ort.Value, 0, 3)
	defer func() {
		for _, value := range values {
			_ = value.Destroy()
		}
	}()
	for _, data := range [][]int64{ids, mask, types}[:m.inputCount()] {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("%w: building input tensor: %w", ErrInferenceRuntime, err)
		}
		values = append(values, tensor)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(len(batch)), int64(m.numLabels)))
	if err != nil {
		return nil, fmt.Errorf("%w: building output tensor: %w", ErrInferenceRuntime, err)
	}
	defer output.Destroy()

	if err := m.session.Run(values, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("%w: onnx session run: %w", ErrInferenceRuntime, err)
	}
	flat := output.GetData()
	logits := make([][]float32, len(batch))
	for idx := range logits {
		row := make([]float32, m.numLabels)
		copy(row, flat[idx*m.numLabels:(idx+1)*m.numLabels])
		logits[idx] = row
	}
	return logits, nil
}

func (m *ONNXModel) inputCount() int {
	if m.binding.TokenTypeIDs != "" {
		return 3
	}
	return 2
}

func (m *ONNXModel) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.session.Destroy()
	})
	return err
}
