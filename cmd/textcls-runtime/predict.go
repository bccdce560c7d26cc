package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/apex-x/textcls-runtime/internal/service"
)

type predictFlags struct {
	model       modelFlags
	textPair    string
	contentType string
	accept      string
}

func newPredictCmd(root *rootOptions) *cobra.Command {
	flags := &predictFlags{}
	cmd := &cobra.Command{
		Use:   "predict [text...]",
		Short: "Classify texts offline with a local artifact",
		Long: "Classify each argument, or the request body read from stdin when no " +
			"arguments are given, and write the encoded response to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(cmd, cmd.ErrOrStderr(), flags.model.apply(cmd))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			inputs, err := flags.inputs(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			lifecycle, err := loadLifecycle(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer lifecycle.Close()

			model, err := lifecycle.Loaded()
			if err != nil {
				return err
			}
			body, err := classifyOffline(ctx, model, inputs, cfg.Batch.MaxBatchSize, flags.accept)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	flags.model.register(cmd)
	cmd.Flags().StringVar(&flags.textPair, "text-pair", "", "second segment for a single text argument")
	cmd.Flags().StringVar(&flags.contentType, "content-type", service.ContentTypeText, "content type of the stdin body")
	cmd.Flags().StringVar(&flags.accept, "accept", service.ContentTypeJSON, "response encoding")
	return cmd
}

func (p *predictFlags) inputs(args []string, stdin io.Reader) ([]service.Input, error) {
	if len(args) == 0 {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return service.DecodeRequest(raw, p.contentType)
	}
	if p.textPair != "" && len(args) != 1 {
		return nil, errors.New("--text-pair needs exactly one text argument")
	}
	inputs := make([]service.Input, len(args))
	for idx, text := range args {
		inputs[idx] = service.Input{Text: text, TextPair: p.textPair}
	}
	return inputs, nil
}

// classifyOffline runs encode, predict and response encoding in-process,
// calling the backend at most maxBatch encodings at a time.
func classifyOffline(
	ctx context.Context,
	model *service.Model,
	inputs []service.Input,
	maxBatch int,
	accept string,
) ([]byte, error) {
	if _, err := service.NegotiateAccept(accept); err != nil {
		return nil, err
	}
	encodings, err := model.Encode(inputs)
	if err != nil {
		return nil, err
	}
	if maxBatch <= 0 {
		maxBatch = len(encodings)
	}
	predictions := make([]service.Prediction, 0, len(encodings))
	for start := 0; start < len(encodings); start += maxBatch {
		end := min(start+maxBatch, len(encodings))
		batch, err := model.Predict(ctx, encodings[start:end])
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, batch...)
	}
	body, _, err := service.EncodeResponse(predictions, accept)
	return body, err
}
