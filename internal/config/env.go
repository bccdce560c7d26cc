package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func applyEnv(cfg *Config) {
	cfg.Server.Addr = envOr("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.Mode = envOr("SERVER_MODE", cfg.Server.Mode)
	cfg.Server.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Model.Dir = envOr("MODEL_DIR", cfg.Model.Dir)
	cfg.Model.Backend = envOr("MODEL_BACKEND", cfg.Model.Backend)
	cfg.Model.MaxLength = envInt("MODEL_MAX_LENGTH", cfg.Model.MaxLength)
	cfg.Model.TokenizerDir = envOr("TOKENIZER_DIR", cfg.Model.TokenizerDir)
	cfg.Model.ArtifactURI = envOr("ARTIFACT_URI", cfg.Model.ArtifactURI)

	cfg.Batch.MaxBatchSize = envInt("MAX_BATCH_SIZE", cfg.Batch.MaxBatchSize)
	cfg.Batch.Window = envDuration("BATCH_WINDOW", cfg.Batch.Window)
	cfg.Batch.QueueSize = envInt("QUEUE_SIZE", cfg.Batch.QueueSize)
	cfg.Batch.PredictTimeout = envDuration("PREDICT_TIMEOUT", cfg.Batch.PredictTimeout)

	cfg.Limits.MaxInputBytes = envInt64("MAX_INPUT_BYTES", cfg.Limits.MaxInputBytes)
	cfg.Limits.MaxTexts = envInt("MAX_TEXTS", cfg.Limits.MaxTexts)

	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("LOG_FORMAT", cfg.Log.Format)

	cfg.Bridge.Command = envOr("BRIDGE_CMD", cfg.Bridge.Command)
	cfg.ONNX.LibraryPath = envOr("ORT_LIBRARY_PATH", cfg.ONNX.LibraryPath)

	cfg.Cache.Enabled = envBool("CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.Addr = envOr("REDIS_ADDR", cfg.Cache.Addr)
	cfg.Cache.Password = envOr("REDIS_PASSWORD", cfg.Cache.Password)
	cfg.Cache.DB = envInt("REDIS_DB", cfg.Cache.DB)
	cfg.Cache.TTL = envDuration("CACHE_TTL", cfg.Cache.TTL)

	cfg.Store.Enabled = envBool("STORE_ENABLED", cfg.Store.Enabled)
	cfg.Store.DSN = envOr("STORE_DSN", cfg.Store.DSN)

	cfg.Platform.Region = envOr("AWS_REGION", cfg.Platform.Region)
	cfg.Platform.Bucket = envOr("S3_BUCKET", cfg.Platform.Bucket)
	cfg.Platform.Prefix = envOr("S3_PREFIX", cfg.Platform.Prefix)
	cfg.Platform.RoleARN = envOr("ROLE_ARN", cfg.Platform.RoleARN)
	cfg.Platform.Profile = envOr("AWS_PROFILE", cfg.Platform.Profile)
}

func envOr(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if value == "" {
		return fallback
	}
	return value
}

func envBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(EnvPrefix + key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration accepts Go duration strings ("250ms") or bare integers as milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
