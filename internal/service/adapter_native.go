package service

import (
	"context"
	"fmt"

	"github.com/apex-x/textcls-runtime/internal/artifact"
	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

// Tensor names of the native checkpoint.
const (
	TensorEmbeddings       = "embeddings.weight"
	TensorClassifierWeight = "classifier.weight"
	TensorClassifierBias   = "classifier.bias"
)

// NativeModel is an embedding-bag linear classifier: token embeddings are
// averaged over attended positions and projected to one logit per label.
type NativeModel struct {
	embeddings []float32
	weight     []float32
	bias       []float32
	vocab      int
	hidden     int
	labels     int
}

func NewNativeModel(bundle *artifact.Bundle) (CompiledModel, error) {
	tensors, err := artifact.ReadSafetensorsFile(bundle.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	model, err := newNativeModel(tensors)
	if err != nil {
		return nil, err
	}
	if model.labels != len(bundle.Manifest.Labels) {
		return nil, fmt.Errorf(
			"%w: checkpoint has %d output classes but %d labels are configured",
			ErrDeserialization,
			model.labels,
			len(bundle.Manifest.Labels),
		)
	}
	return model, nil
}

func newNativeModel(tensors map[string]artifact.Tensor) (*NativeModel, error) {
	embeddings, ok := tensors[TensorEmbeddings]
	if !ok || len(embeddings.Shape) != 2 {
		return nil, fmt.Errorf("%w: %s must be a rank-2 tensor", ErrDeserialization, TensorEmbeddings)
	}
	weight, ok := tensors[TensorClassifierWeight]
	if !ok || len(weight.Shape) != 2 {
		return nil, fmt.Errorf("%w: %s must be a rank-2 tensor", ErrDeserialization, TensorClassifierWeight)
	}
	bias, ok := tensors[TensorClassifierBias]
	if !ok || len(bias.Shape) != 1 {
		return nil, fmt.Errorf("%w: %s must be a rank-1 tensor", ErrDeserialization, TensorClassifierBias)
	}
	vocab, hidden := embeddings.Shape[0], embeddings.Shape[1]
	labels := weight.Shape[0]
	if vocab == 0 || hidden == 0 || labels == 0 {
		return nil, fmt.Errorf("%w: checkpoint has an empty dimension", ErrDeserialization)
	}
	if weight.Shape[1] != hidden || bias.Shape[0] != labels {
		return nil, fmt.Errorf(
			"%w: classifier shapes %v and %v do not fit hidden size %d",
			ErrDeserialization,
			weight.Shape,
			bias.Shape,
			hidden,
		)
	}
	for _, check := range []struct {
		name string
		got  int
		want int
	}{
		{TensorEmbeddings, len(embeddings.Data), vocab * hidden},
		{TensorClassifierWeight, len(weight.Data), labels * hidden},
		{TensorClassifierBias, len(bias.Data), labels},
	} {
		if check.got != check.want {
			return nil, fmt.Errorf("%w: %s holds %d values, shape needs %d", ErrDeserialization, check.name, check.got, check.want)
		}
	}
	return &NativeModel{
		embeddings: embeddings.Data,
		weight:     weight.Data,
		bias:       bias.Data,
		vocab:      vocab,
		hidden:     hidden,
		labels:     labels,
	}, nil
}

func (m *NativeModel) Name() string { return artifact.BackendNative }

func (m *NativeModel) VocabSize() int { return m.vocab }

func (m *NativeModel) Forward(ctx context.Context, batch []tokenizer.Encoding) ([][]float32, error) {
	out := make([][]float32, len(batch))
	pooled := make([]float32, m.hidden)
	for idx, enc := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(enc.InputIDs) != len(enc.AttentionMask) {
			return nil, fmt.Errorf(
				"%w: input %d has %d ids and %d mask entries",
				ErrInferenceRuntime,
				idx,
				len(enc.InputIDs),
				len(enc.AttentionMask),
			)
		}
		clear(pooled)
		attended := 0
		for pos, id := range enc.InputIDs {
			if enc.AttentionMask[pos] == 0 {
				continue
			}
			if id < 0 || id >= int64(m.vocab) {
				return nil, fmt.Errorf("%w: token id %d outside vocabulary of %d", ErrInferenceRuntime, id, m.vocab)
			}
			row := m.embeddings[int(id)*m.hidden : (int(id)+1)*m.hidden]
			for h, value := range row {
				pooled[h] += value
			}
			attended++
		}
		if attended > 0 {
			scale := 1 / float32(attended)
			for h := range pooled {
				pooled[h] *= scale
			}
		}
		logits := make([]float32, m.labels)
		for label := range logits {
			row := m.weight[label*m.hidden : (label+1)*m.hidden]
			sum := m.bias[label]
			for h, value := range row {
				sum += value * pooled[h]
			}
			logits[label] = sum
		}
		out[idx] = logits
	}
	return out, nil
}

func (m *NativeModel) Close() error { return nil }
