package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/platform"
	"github.com/apex-x/textcls-runtime/internal/service"
)

type invokeFlags struct {
	url         string
	endpoint    string
	textPair    string
	contentType string
	accept      string
	timeout     time.Duration
}

func newInvokeCmd(root *rootOptions) *cobra.Command {
	flags := &invokeFlags{}
	cmd := &cobra.Command{
		Use:   "invoke [text...]",
		Short: "Send texts to a running host or hosted endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (flags.url == "") == (flags.endpoint == "") {
				return errors.New("exactly one of --url or --endpoint is required")
			}
			cfg, logger, err := root.load(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			body, err := flags.body(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			var invoker platform.Invoker
			if flags.url != "" {
				invoker = platform.NewHTTPInvoker(flags.url, flags.timeout)
			} else {
				sess, err := platform.NewSession(platformConfig(cfg))
				if err != nil {
					return err
				}
				invoker = platform.NewEndpointInvoker(sagemakerruntime.New(sess), flags.endpoint)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			response, contentType, err := invoker.Invoke(ctx, body, flags.contentType, flags.accept)
			if err != nil {
				return err
			}
			rendered, err := renderInvocation(response, contentType, flags.accept)
			if err != nil {
				return err
			}
			logger.Debug("invocation_done", zap.String("content_type", contentType), zap.Int("response_bytes", len(response)))
			_, err = cmd.OutOrStdout().Write(rendered)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", "", "base URL of a running host")
	cmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "hosted endpoint name")
	cmd.Flags().StringVar(&flags.textPair, "text-pair", "", "second segment for a single text argument")
	cmd.Flags().StringVar(&flags.contentType, "content-type", service.ContentTypeJSON, "request content type")
	cmd.Flags().StringVar(&flags.accept, "accept", service.ContentTypeJSON, "response encoding")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "invocation timeout")
	return cmd
}

// body encodes the arguments, or passes stdin through unchanged.
func (f *invokeFlags) body(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) == 0 {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return raw, nil
	}
	if f.textPair != "" && len(args) != 1 {
		return nil, errors.New("--text-pair needs exactly one text argument")
	}
	inputs := make([]service.Input, len(args))
	for idx, text := range args {
		inputs[idx] = service.Input{Text: text, TextPair: f.textPair}
	}
	return service.EncodeRequest(inputs, f.contentType)
}

// renderInvocation decodes a host response and re-encodes it for accept. A
// response without a content type is read as accept.
func renderInvocation(raw []byte, contentType string, accept string) ([]byte, error) {
	if contentType == "" {
		contentType = accept
	}
	predictions, err := service.DecodeResponse(raw, contentType)
	if err != nil {
		return nil, fmt.Errorf("decoding invocation response: %w", err)
	}
	rendered, _, err := service.EncodeResponse(predictions, accept)
	return rendered, err
}
