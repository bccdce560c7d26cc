//go:build !onnxruntime || !cgo

package service

import (
	"fmt"

	"github.com/apex-x/textcls-runtime/internal/artifact"
)

func NewONNXModel(bundle *artifact.Bundle, libraryPath string) (CompiledModel, error) {
	_ = libraryPath
	return nil, fmt.Errorf(
		"%w: onnxruntime backend unavailable for %s: build with -tags onnxruntime and enable CGO",
		ErrDeserialization,
		bundle.ArtifactPath,
	)
}
