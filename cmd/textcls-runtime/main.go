package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apex-x/textcls-runtime/internal/config"
	"github.com/apex-x/textcls-runtime/internal/logging"
	"github.com/apex-x/textcls-runtime/internal/platform"
	"github.com/apex-x/textcls-runtime/internal/service"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "textcls-runtime",
		Short:         "Serve and operate a fine-tuned text classifier",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: json|console")

	root.AddCommand(
		newServeCmd(opts),
		newPredictCmd(opts),
		newInvokeCmd(opts),
		newFetchCmd(opts),
		newDatasetCmd(opts),
		newJobsCmd(opts),
		newStatsCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load layers the config file, TEXTCLS_* env and changed flags, then builds
// the logger writing to logOut.
func (o *rootOptions) load(cmd *cobra.Command, logOut io.Writer, overrides ...func(*config.Config)) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	for _, apply := range overrides {
		apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Log.Format, cfg.Log.Level, logOut)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	return cfg, logger, nil
}

// modelFlags are shared by the commands that load an artifact.
type modelFlags struct {
	dir          string
	backend      string
	maxLength    int
	tokenizerDir string
	artifactURI  string
	bridgeCmd    string
	ortLibrary   string
}

func (m *modelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.dir, "model-dir", "", "artifact directory")
	cmd.Flags().StringVar(&m.backend, "backend", "", "backend override: native|onnxruntime|neuron-bridge")
	cmd.Flags().IntVar(&m.maxLength, "max-length", 0, "tokenizer max length override (0 keeps the manifest value)")
	cmd.Flags().StringVar(&m.tokenizerDir, "tokenizer-dir", "", "extra directory searched for named tokenizers")
	cmd.Flags().StringVar(&m.artifactURI, "artifact-uri", "", "s3:// artifact fetched into --model-dir before load")
	cmd.Flags().StringVar(&m.bridgeCmd, "bridge-cmd", "", "command that runs the neuron bridge")
	cmd.Flags().StringVar(&m.ortLibrary, "ort-library", "", "path to the onnxruntime shared library")
}

func (m *modelFlags) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("model-dir") {
			cfg.Model.Dir = m.dir
		}
		if flags.Changed("backend") {
			cfg.Model.Backend = m.backend
		}
		if flags.Changed("max-length") {
			cfg.Model.MaxLength = m.maxLength
		}
		if flags.Changed("tokenizer-dir") {
			cfg.Model.TokenizerDir = m.tokenizerDir
		}
		if flags.Changed("artifact-uri") {
			cfg.Model.ArtifactURI = m.artifactURI
		}
		if flags.Changed("bridge-cmd") {
			cfg.Bridge.Command = m.bridgeCmd
		}
		if flags.Changed("ort-library") {
			cfg.ONNX.LibraryPath = m.ortLibrary
		}
	}
}

func loadOptions(cfg *config.Config, logger *zap.Logger) service.LoadOptions {
	opts := service.LoadOptions{
		Backend:   cfg.Model.Backend,
		MaxLength: cfg.Model.MaxLength,
		Backends: service.BackendOptions{
			BridgeCommand:   cfg.Bridge.Command,
			ONNXLibraryPath: cfg.ONNX.LibraryPath,
			Logger:          logger,
		},
	}
	if dir := strings.TrimSpace(cfg.Model.TokenizerDir); dir != "" {
		opts.TokenizerDirs = []string{dir}
	}
	return opts
}

// loadLifecycle fetches the artifact when a URI is configured and loads it.
func loadLifecycle(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service.Lifecycle, error) {
	if cfg.Model.ArtifactURI != "" {
		if err := fetchArtifact(ctx, cfg, cfg.Model.ArtifactURI, cfg.Model.Dir, logger); err != nil {
			return nil, err
		}
	}
	lifecycle := service.NewLifecycle()
	model, err := lifecycle.Load(cfg.Model.Dir, loadOptions(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	logger.Info("model_loaded",
		zap.String("dir", cfg.Model.Dir),
		zap.String("backend", model.Name()),
		zap.String("digest", model.Digest()),
		zap.Int("max_length", model.MaxLength()),
		zap.Strings("labels", model.Labels()),
	)
	return lifecycle, nil
}

func platformConfig(cfg *config.Config) platform.Config {
	return platform.Config{
		Region:  cfg.Platform.Region,
		Bucket:  cfg.Platform.Bucket,
		Prefix:  cfg.Platform.Prefix,
		RoleARN: cfg.Platform.RoleARN,
		Profile: cfg.Platform.Profile,
	}
}

func newStorage(cfg *config.Config, logger *zap.Logger) (*platform.Storage, error) {
	pcfg := platformConfig(cfg)
	sess, err := platform.NewSession(pcfg)
	if err != nil {
		return nil, err
	}
	return platform.NewStorage(s3.New(sess), pcfg, logger), nil
}

func fetchArtifact(ctx context.Context, cfg *config.Config, uri string, dest string, logger *zap.Logger) error {
	storage, err := newStorage(cfg, logger)
	if err != nil {
		return err
	}
	if err := storage.Download(ctx, uri, dest); err != nil {
		return fmt.Errorf("failed to fetch artifact: %w", err)
	}
	return nil
}
