package service

import (
	"context"
	"fmt"

	"github.com/apex-x/textcls-runtime/internal/artifact"
	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

// NeuronBridgeModel forwards batches to an external process that owns the
// accelerator-compiled artifact (a Neuron-traced .pt or .neff file).
type NeuronBridgeModel struct {
	artifactPath  string
	maxLength     int
	bridgeCommand []string
}

func NewNeuronBridgeModel(bundle *artifact.Bundle, rawCommand string) (CompiledModel, error) {
	bridgeCommand, err := parseBridgeCommand(rawCommand)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid bridge command: %w", ErrDeserialization, err)
	}
	if len(bridgeCommand) == 0 {
		return nil, fmt.Errorf(
			"%w: neuron-bridge backend needs a bridge command (bridge.command or TEXTCLS_BRIDGE_CMD)",
			ErrDeserialization,
		)
	}
	return &NeuronBridgeModel{
		artifactPath:  bundle.ArtifactPath,
		maxLength:     bundle.Manifest.MaxLength,
		bridgeCommand: bridgeCommand,
	}, nil
}

func (m *NeuronBridgeModel) Name() string {
	return artifact.BackendNeuronBridge
}

func (m *NeuronBridgeModel) Forward(ctx context.Context, batch []tokenizer.Encoding) ([][]float32, error) {
	logits, err := runBridgeForward(
		ctx,
		m.bridgeCommand,
		bridgeForwardRequest{
			Backend:      "neuron",
			ArtifactPath: m.artifactPath,
			MaxLength:    m.maxLength,
			Inputs:       bridgeInputs(batch),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("neuron bridge forward failed: %w", err)
	}
	return logits, nil
}

func (m *NeuronBridgeModel) Close() error {
	return nil
}
