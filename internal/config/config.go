// Package config loads application configuration from environment variables,
// an optional .env file and the instance inventory file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "querygate.db"
	defaultWorkerBin  = "querygate-worker"

	envListenAddr        = "QUERYGATE_LISTEN_ADDR"
	envDBPath            = "QUERYGATE_DB_PATH"
	envLogLevel          = "QUERYGATE_LOG_LEVEL"
	envLogFile           = "QUERYGATE_LOG_FILE"
	envInstancesFile     = "QUERYGATE_INSTANCES_FILE"
	envPoolSlots         = "QUERYGATE_POOL_SLOTS"
	envPoolQueue         = "QUERYGATE_POOL_QUEUE"
	envExecTimeout       = "QUERYGATE_EXEC_TIMEOUT"
	envQueueWarnDepth    = "QUERYGATE_QUEUE_WARN_DEPTH"
	envEngineConnections = "QUERYGATE_ENGINE_CONNECTIONS"
	envSyncInterval      = "QUERYGATE_SYNC_INTERVAL"
	envSyncTimeout       = "QUERYGATE_SYNC_TIMEOUT"
	envHealthInterval    = "QUERYGATE_HEALTH_INTERVAL"
	envHealthFailures    = "QUERYGATE_HEALTH_FAILURES"
	envHealthCooldown    = "QUERYGATE_HEALTH_COOLDOWN"
	envMinFreeMemory     = "QUERYGATE_MIN_FREE_MEMORY"
	envStoreLatency      = "QUERYGATE_STORE_LATENCY"
	envSandbox           = "QUERYGATE_SANDBOX"
	envWorkerBin         = "QUERYGATE_WORKER_BIN"
	envWebhookURL        = "QUERYGATE_WEBHOOK_URL"
)

// Sandbox modes.
const (
	SandboxProcess   = "process"
	SandboxInProcess = "inprocess"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	LogFile       string
	InstancesFile string

	PoolSlots         int
	PoolQueue         int
	ExecTimeout       time.Duration
	QueueWarnDepth    int
	EngineConnections int64
	Sandbox           string
	WorkerBin         string

	SyncInterval time.Duration
	SyncTimeout  time.Duration

	HealthInterval time.Duration
	HealthFailures int
	HealthCooldown time.Duration
	MinFreeMemory  float64
	StoreLatency   time.Duration

	WebhookURL string
}

// LoadDotEnv loads variables from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		PoolSlots:         4,
		PoolQueue:         16,
		ExecTimeout:       30 * time.Second,
		QueueWarnDepth:    10,
		EngineConnections: 8,
		Sandbox:           SandboxProcess,
		WorkerBin:         defaultWorkerBin,
		SyncInterval:      5 * time.Minute,
		SyncTimeout:       10 * time.Second,
		HealthInterval:    5 * time.Second,
		HealthFailures:    2,
		HealthCooldown:    30 * time.Second,
		MinFreeMemory:     0.05,
		StoreLatency:      500 * time.Millisecond,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.LogFile = os.Getenv(envLogFile)
	cfg.InstancesFile = os.Getenv(envInstancesFile)
	cfg.WebhookURL = os.Getenv(envWebhookURL)
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envSandbox); v != "" {
		switch v {
		case SandboxProcess, SandboxInProcess:
			cfg.Sandbox = v
		default:
			return Config{}, fmt.Errorf("%s has invalid value %q", envSandbox, v)
		}
	}

	var err error
	if cfg.PoolSlots, err = positiveInt(envPoolSlots, cfg.PoolSlots); err != nil {
		return Config{}, err
	}
	if cfg.PoolQueue, err = nonNegativeInt(envPoolQueue, cfg.PoolQueue); err != nil {
		return Config{}, err
	}
	if cfg.QueueWarnDepth, err = positiveInt(envQueueWarnDepth, cfg.QueueWarnDepth); err != nil {
		return Config{}, err
	}
	if cfg.HealthFailures, err = positiveInt(envHealthFailures, cfg.HealthFailures); err != nil {
		return Config{}, err
	}
	conns, err := positiveInt(envEngineConnections, int(cfg.EngineConnections))
	if err != nil {
		return Config{}, err
	}
	cfg.EngineConnections = int64(conns)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envExecTimeout, &cfg.ExecTimeout},
		{envSyncInterval, &cfg.SyncInterval},
		{envSyncTimeout, &cfg.SyncTimeout},
		{envHealthInterval, &cfg.HealthInterval},
		{envHealthCooldown, &cfg.HealthCooldown},
		{envStoreLatency, &cfg.StoreLatency},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	if v, ok := os.LookupEnv(envMinFreeMemory); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f >= 1 {
			return Config{}, fmt.Errorf("%s must be a ratio in [0, 1), got %q", envMinFreeMemory, v)
		}
		cfg.MinFreeMemory = f
	}

	return cfg, nil
}

func parseDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be positive, got %q", key, v)
	}
	*dst = parsed
	return nil
}

func positiveInt(key string, def int) (int, error) {
	n, err := nonNegativeInt(key, def)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return n, nil
}

func nonNegativeInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s has invalid value %q", key, v)
	}
	return n, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// LogWriter returns stdout, teed into a size-rotated file when LogFile is set.
func (c Config) LogWriter() io.Writer {
	if c.LogFile == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})
}
