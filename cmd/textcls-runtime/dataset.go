package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDatasetCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage training datasets in object storage",
	}
	cmd.AddCommand(newDatasetUploadCmd(root))
	return cmd
}

func newDatasetUploadCmd(root *rootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "upload <dir>",
		Short: "Upload a preprocessed dataset directory and print its URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			storage, err := newStorage(cfg, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			uri, err := storage.UploadDir(ctx, args[0], key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), uri)
			return err
		},
	}
	cmd.Flags().StringVar(&key, "key", "datasets", "object key under platform.prefix")
	return cmd
}
