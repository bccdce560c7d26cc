package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

// bridgeInput is one encoded sequence as sent to the bridge process.
type bridgeInput struct {
	InputIDs      []int64 `json:"input_ids"`
	AttentionMask []int64 `json:"attention_mask"`
	TokenTypeIDs  []int64 `json:"token_type_ids,omitempty"`
}

type bridgeForwardRequest struct {
	Backend      string        `json:"backend"`
	ArtifactPath string        `json:"artifact_path"`
	MaxLength    int           `json:"max_length"`
	Inputs       []bridgeInput `json:"inputs"`
}

type bridgeForwardResponse struct {
	Logits [][]float32 `json:"logits"`
	Error  string      `json:"error,omitempty"`
}

type bridgeForwardFn func(
	ctx context.Context,
	command []string,
	request bridgeForwardRequest,
) ([][]float32, error)

var runBridgeForward bridgeForwardFn = defaultRunBridgeForward

func parseBridgeCommand(raw string) ([]string, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, nil
	}
	parts := strings.Fields(clean)
	if len(parts) == 0 {
		return nil, fmt.Errorf("bridge command is empty")
	}
	return parts, nil
}

func bridgeInputs(batch []tokenizer.Encoding) []bridgeInput {
	inputs := make([]bridgeInput, len(batch))
	for idx, enc := range batch {
		inputs[idx] = bridgeInput{
			InputIDs:      enc.InputIDs,
			AttentionMask: enc.AttentionMask,
			TokenTypeIDs:  enc.TokenTypeIDs,
		}
	}
	return inputs
}

func defaultRunBridgeForward(
	ctx context.Context,
	command []string,
	request bridgeForwardRequest,
) ([][]float32, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: bridge command is not configured", ErrBackendUnavailable)
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode bridge request: %w", ErrBackendProtocol, err)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		errText := strings.TrimSpace(stderr.String())
		sentinel := ErrInferenceRuntime
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			sentinel = ErrBackendUnavailable
		}
		if errText == "" {
			return nil, fmt.Errorf("%w: bridge command failed: %w", sentinel, runErr)
		}
		return nil, fmt.Errorf("%w: bridge command failed: %w: %s", sentinel, runErr, errText)
	}
	var decoded bridgeForwardResponse
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to decode bridge response: %w", ErrBackendProtocol, err)
	}
	if msg := strings.TrimSpace(decoded.Error); msg != "" {
		return nil, fmt.Errorf("%w: bridge runtime error: %s", ErrInferenceRuntime, msg)
	}
	if len(decoded.Logits) != len(request.Inputs) {
		return nil, fmt.Errorf(
			"%w: bridge returned %d logit rows for %d inputs",
			ErrBackendProtocol,
			len(decoded.Logits),
			len(request.Inputs),
		)
	}
	return decoded.Logits, nil
}
