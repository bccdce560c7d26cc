package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newFetchCmd(root *rootOptions) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "fetch <s3-uri>",
		Short: "Download an artifact into a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if dest == "" {
				dest = cfg.Model.Dir
			}
			ctx := cmd.Context()
			if err := fetchArtifact(ctx, cfg, args[0], dest, logger); err != nil {
				return err
			}
			logger.Info("artifact_fetched", zap.String("uri", args[0]), zap.String("dest", dest))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), dest)
			return err
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (defaults to model.dir)")
	return cmd
}
