// Package config holds the runtime configuration. Values are layered as
// defaults, then an optional YAML file, then TEXTCLS_* environment variables;
// the CLI applies flag overrides on top before calling Validate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "TEXTCLS_"

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Batch    BatchConfig    `yaml:"batch"`
	Limits   LimitsConfig   `yaml:"limits"`
	Log      LogConfig      `yaml:"log"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	ONNX     ONNXConfig     `yaml:"onnx"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Platform PlatformConfig `yaml:"platform"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	Mode              string        `yaml:"mode"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type ModelConfig struct {
	// Dir is the artifact directory; /opt/ml/model is the managed platform's mount point.
	Dir string `yaml:"dir"`
	// Backend overrides the manifest/extension backend selection when set.
	Backend string `yaml:"backend"`
	// MaxLength overrides the manifest max_length when > 0.
	MaxLength int `yaml:"max_length"`
	// TokenizerDir is searched for named tokenizers not shipped inside Dir.
	TokenizerDir string `yaml:"tokenizer_dir"`
	// ArtifactURI is fetched into Dir before load when set (s3://bucket/key).
	ArtifactURI string `yaml:"artifact_uri"`
}

type BatchConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	Window         time.Duration `yaml:"window"`
	QueueSize      int           `yaml:"queue_size"`
	PredictTimeout time.Duration `yaml:"predict_timeout"`
}

type LimitsConfig struct {
	MaxInputBytes int64 `yaml:"max_input_bytes"`
	MaxTexts      int   `yaml:"max_texts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BridgeConfig struct {
	Command string `yaml:"command"`
}

type ONNXConfig struct {
	LibraryPath string `yaml:"library_path"`
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type PlatformConfig struct {
	Region  string `yaml:"region"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	RoleARN string `yaml:"role_arn"`
	Profile string `yaml:"profile"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			Mode:              "release",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Model: ModelConfig{
			Dir: "/opt/ml/model",
		},
		Batch: BatchConfig{
			MaxBatchSize: 8,
			Window:       5 * time.Millisecond,
			QueueSize:    256,
		},
		Limits: LimitsConfig{
			MaxInputBytes: 1 << 20,
			MaxTexts:      64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  10 * time.Minute,
		},
	}
}

// Load reads the optional YAML file at path over the defaults and then
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// Validate rejects settings the runtime cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unsupported server.mode %q", c.Server.Mode)
	}
	if strings.TrimSpace(c.Model.Dir) == "" {
		return fmt.Errorf("model.dir is required")
	}
	if c.Model.MaxLength < 0 {
		return fmt.Errorf("model.max_length must be >= 0")
	}
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be > 0")
	}
	if c.Batch.Window <= 0 {
		return fmt.Errorf("batch.window must be > 0")
	}
	if c.Batch.QueueSize <= 0 {
		return fmt.Errorf("batch.queue_size must be > 0")
	}
	if c.Batch.PredictTimeout < 0 {
		return fmt.Errorf("batch.predict_timeout must be >= 0")
	}
	if c.Limits.MaxInputBytes <= 0 {
		return fmt.Errorf("limits.max_input_bytes must be > 0")
	}
	if c.Limits.MaxTexts <= 0 {
		return fmt.Errorf("limits.max_texts must be > 0")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "text", "discard":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Addr) == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}
	if c.Store.Enabled && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required when the store is enabled")
	}
	return nil
}
