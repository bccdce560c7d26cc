package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/apex-x/textcls-runtime/internal/store"
)

type statsSource interface {
	Recent(ctx context.Context, digest string, limit int) ([]store.PredictionRecord, error)
	LabelCounts(ctx context.Context, since time.Time) (map[string]int64, error)
}

type statsReport struct {
	Since       time.Time                `json:"since"`
	LabelCounts map[string]int64         `json:"label_counts"`
	Recent      []store.PredictionRecord `json:"recent"`
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	var (
		window time.Duration
		limit  int
		digest string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the prediction log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if strings.TrimSpace(cfg.Store.DSN) == "" {
				return errors.New("store.dsn is required")
			}
			db, err := store.Open(cfg.Store.DSN)
			if err != nil {
				return err
			}
			repo := store.NewPredictionRepository(db)
			defer func() { _ = repo.Close() }()

			report, err := collectStats(cmd.Context(), repo, time.Now().Add(-window), digest, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().DurationVar(&window, "since", 24*time.Hour, "count predictions made within this window")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent predictions to list")
	cmd.Flags().StringVar(&digest, "digest", "", "only list predictions of this artifact digest")
	return cmd
}

func collectStats(ctx context.Context, source statsSource, since time.Time, digest string, limit int) (*statsReport, error) {
	counts, err := source.LabelCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	recent, err := source.Recent(ctx, digest, limit)
	if err != nil {
		return nil, err
	}
	return &statsReport{Since: since.UTC(), LabelCounts: counts, Recent: recent}, nil
}
