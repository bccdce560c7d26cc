package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/apex-x/textcls-runtime/internal/artifact"
	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

func TestParseBridgeCommand(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		parts, err := parseBridgeCommand("   ")
		if err != nil {
			t.Fatalf("parseBridgeCommand() error = %v", err)
		}
		if len(parts) != 0 {
			t.Fatalf("expected empty command, got %v", parts)
		}
	})

	t.Run("split", func(t *testing.T) {
		parts, err := parseBridgeCommand("python -m textcls.neuron_bridge")
		if err != nil {
			t.Fatalf("parseBridgeCommand() error = %v", err)
		}
		want := []string{"python", "-m", "textcls.neuron_bridge"}
		if !reflect.DeepEqual(parts, want) {
			t.Fatalf("unexpected command parts: got %v want %v", parts, want)
		}
	})
}

func TestDefaultRunBridgeForwardNoCommandIsUnavailable(t *testing.T) {
	_, err := defaultRunBridgeForward(context.Background(), nil, bridgeForwardRequest{})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if !errors.Is(err, ErrInferenceRuntime) {
		t.Fatalf("backend unavailability should be an inference runtime error, got %v", err)
	}
}

func TestDefaultRunBridgeForwardMissingBinary(t *testing.T) {
	_, err := defaultRunBridgeForward(
		context.Background(),
		[]string{filepath.Join(t.TempDir(), "no-such-bridge")},
		bridgeForwardRequest{},
	)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func writeBridgeScript(t *testing.T, body string) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("bridge scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "bridge.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\ncat >/dev/null\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return []string{"sh", path}
}

func TestDefaultRunBridgeForwardProtocol(t *testing.T) {
	request := bridgeForwardRequest{
		Backend:      "neuron",
		ArtifactPath: "/opt/ml/model/model_neuron.pt",
		MaxLength:    4,
		Inputs:       bridgeInputs(encodingsFor(1, 2)),
	}

	t.Run("logits", func(t *testing.T) {
		command := writeBridgeScript(t, `echo '{"logits": [[0.1, 0.9], [2.0, -1.0]]}'`)
		logits, err := defaultRunBridgeForward(context.Background(), command, request)
		if err != nil {
			t.Fatalf("defaultRunBridgeForward() error = %v", err)
		}
		want := [][]float32{{0.1, 0.9}, {2.0, -1.0}}
		if !reflect.DeepEqual(logits, want) {
			t.Fatalf("logits = %v, want %v", logits, want)
		}
	})

	t.Run("runtime error", func(t *testing.T) {
		command := writeBridgeScript(t, `echo '{"error": "neuron core busy"}'`)
		_, err := defaultRunBridgeForward(context.Background(), command, request)
		if !errors.Is(err, ErrInferenceRuntime) {
			t.Fatalf("expected ErrInferenceRuntime, got %v", err)
		}
	})

	t.Run("garbage output", func(t *testing.T) {
		command := writeBridgeScript(t, `echo 'not json'`)
		_, err := defaultRunBridgeForward(context.Background(), command, request)
		if !errors.Is(err, ErrBackendProtocol) {
			t.Fatalf("expected ErrBackendProtocol, got %v", err)
		}
	})

	t.Run("row mismatch", func(t *testing.T) {
		command := writeBridgeScript(t, `echo '{"logits": [[0.1, 0.9]]}'`)
		_, err := defaultRunBridgeForward(context.Background(), command, request)
		if !errors.Is(err, ErrBackendProtocol) {
			t.Fatalf("expected ErrBackendProtocol, got %v", err)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		command := writeBridgeScript(t, `echo 'boom' >&2; exit 3`)
		_, err := defaultRunBridgeForward(context.Background(), command, request)
		if !errors.Is(err, ErrInferenceRuntime) || errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("expected a plain inference error, got %v", err)
		}
	})
}

func TestNeuronBridgeModel(t *testing.T) {
	bundle := &artifact.Bundle{
		ArtifactPath: "/opt/ml/model/model_neuron.pt",
		Backend:      artifact.BackendNeuronBridge,
		Manifest:     artifact.Manifest{MaxLength: 128},
	}

	if _, err := NewNeuronBridgeModel(bundle, ""); !errors.Is(err, ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization without a command, got %v", err)
	}

	original := runBridgeForward
	t.Cleanup(func() { runBridgeForward = original })
	var seen bridgeForwardRequest
	runBridgeForward = func(_ context.Context, command []string, request bridgeForwardRequest) ([][]float32, error) {
		seen = request
		if !reflect.DeepEqual(command, []string{"python", "bridge.py"}) {
			t.Fatalf("unexpected command %v", command)
		}
		return [][]float32{{0, 1}}, nil
	}

	model, err := NewNeuronBridgeModel(bundle, "python bridge.py")
	if err != nil {
		t.Fatalf("NewNeuronBridgeModel() error = %v", err)
	}
	defer model.Close()
	if model.Name() != artifact.BackendNeuronBridge {
		t.Fatalf("Name() = %q", model.Name())
	}
	logits, err := model.Forward(context.Background(), []tokenizer.Encoding{{
		InputIDs:      []int64{2, 5, 3},
		AttentionMask: []int64{1, 1, 1},
		TokenTypeIDs:  []int64{0, 0, 0},
	}})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if len(logits) != 1 || len(logits[0]) != 2 {
		t.Fatalf("unexpected logits %v", logits)
	}
	if seen.Backend != "neuron" || seen.MaxLength != 128 || seen.ArtifactPath != bundle.ArtifactPath {
		t.Fatalf("unexpected bridge request %+v", seen)
	}
	if !reflect.DeepEqual(seen.Inputs[0].InputIDs, []int64{2, 5, 3}) {
		t.Fatalf("unexpected bridge inputs %+v", seen.Inputs)
	}
}
