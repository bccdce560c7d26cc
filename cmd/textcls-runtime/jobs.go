package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/config"
	"github.com/apex-x/textcls-runtime/internal/platform"
)

func newJobsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect training, compilation and endpoint jobs",
	}
	cmd.AddCommand(
		newTrainCmd(root),
		newCompileCmd(root),
		newDeployCmd(root),
		newTeardownCmd(root),
		newStatusCmd(root),
	)
	return cmd
}

func newJobs(root *rootOptions, cmd *cobra.Command) (*platform.Jobs, *config.Config, *zap.Logger, error) {
	cfg, logger, err := root.load(cmd, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	pcfg := platformConfig(cfg)
	sess, err := platform.NewSession(pcfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return platform.NewJobs(sagemaker.New(sess), pcfg, logger), cfg, logger, nil
}

// parseKeyValues turns repeated key=value flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		values[strings.TrimSpace(key)] = value
	}
	return values, nil
}

func newTrainCmd(root *rootOptions) *cobra.Command {
	var (
		spec   platform.TrainingSpec
		hparam []string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Submit a fine-tuning job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, cfg, logger, err := newJobs(root, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			spec.Hyperparameters, err = parseKeyValues(hparam)
			if err != nil {
				return err
			}
			if spec.OutputURI == "" && cfg.Platform.Bucket != "" {
				spec.OutputURI = platform.ObjectURI(cfg.Platform.Bucket, strings.Trim(cfg.Platform.Prefix+"/output", "/"))
			}
			name, err := jobs.SubmitTraining(cmd.Context(), spec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
			return err
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "job name prefix")
	cmd.Flags().StringVar(&spec.Image, "image", "", "training container image")
	cmd.Flags().StringVar(&spec.InstanceType, "instance-type", "", "training instance type")
	cmd.Flags().Int64Var(&spec.InstanceCount, "instance-count", 1, "training instance count")
	cmd.Flags().StringVar(&spec.TrainURI, "train-uri", "", "dataset URI returned by dataset upload")
	cmd.Flags().StringVar(&spec.TestURI, "test-uri", "", "optional evaluation dataset URI")
	cmd.Flags().StringVar(&spec.OutputURI, "output-uri", "", "artifact output URI")
	cmd.Flags().StringArrayVar(&hparam, "hyperparameter", nil, "hyperparameter as key=value (repeatable)")
	return cmd
}

func newCompileCmd(root *rootOptions) *cobra.Command {
	var (
		spec      platform.CompilationSpec
		maxLength int
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a trained artifact for an accelerator target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, _, logger, err := newJobs(root, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			spec.InputShapes = platform.InputShapes(maxLength)
			name, err := jobs.SubmitCompilation(cmd.Context(), spec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
			return err
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "job name prefix")
	cmd.Flags().StringVar(&spec.ModelURI, "model-uri", "", "trained model.tar.gz URI")
	cmd.Flags().StringVar(&spec.OutputURI, "output-uri", "", "compiled artifact output URI")
	cmd.Flags().StringVar(&spec.Framework, "framework", "", "source framework (default PYTORCH)")
	cmd.Flags().StringVar(&spec.FrameworkVersion, "framework-version", "", "source framework version")
	cmd.Flags().StringVar(&spec.TargetDevice, "target", "", "target device (default ml_inf1)")
	cmd.Flags().IntVar(&maxLength, "max-length", 128, "static sequence length traced into the compiled graph")
	return cmd
}

func newDeployCmd(root *rootOptions) *cobra.Command {
	var (
		spec platform.DeploySpec
		env  []string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create a hosted endpoint serving an artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, _, logger, err := newJobs(root, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			spec.Environment, err = parseKeyValues(env)
			if err != nil {
				return err
			}
			name, err := jobs.DeployEndpoint(cmd.Context(), spec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
			return err
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "endpoint name prefix")
	cmd.Flags().StringVar(&spec.Image, "image", "", "serving container image")
	cmd.Flags().StringVar(&spec.ModelURI, "model-uri", "", "artifact URI")
	cmd.Flags().StringVar(&spec.InstanceType, "instance-type", "", "serving instance type")
	cmd.Flags().Int64Var(&spec.InstanceCount, "instance-count", 1, "serving instance count")
	cmd.Flags().StringArrayVar(&env, "env", nil, "container environment as KEY=value (repeatable)")
	return cmd
}

func newTeardownCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown <endpoint>",
		Short: "Delete an endpoint with its config and model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, _, logger, err := newJobs(root, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return jobs.DeleteEndpoint(cmd.Context(), args[0])
		},
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "status <training|compilation|endpoint> <name>",
		Short:     "Print the platform status of a job or endpoint",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{platform.KindTraining, platform.KindCompilation, platform.KindEndpoint},
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, _, logger, err := newJobs(root, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			status, err := jobs.Status(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(status)
		},
	}
}
