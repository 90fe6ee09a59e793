package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"

	"github.com/ahrav/tally/internal/config/fileloader"
)

// EnvPrefix prefixes every environment override, e.g. TALLY_JOB_TIMEOUT.
const EnvPrefix = "TALLY"

// Loader overlays one configuration source onto cfg.
type Loader[T any] interface {
	Load(ctx context.Context, cfg *T) error
}

// EnvLoader overlays TALLY_* environment variables using viper. Only
// variables that are set override cfg.
type EnvLoader[T any] struct {
	keys []string
}

// NewEnvLoader binds one environment variable per key. Nested keys use
// dots, which map to underscores: "kafka.brokers" is TALLY_KAFKA_BROKERS.
func NewEnvLoader[T any](keys ...string) *EnvLoader[T] {
	return &EnvLoader[T]{keys: keys}
}

// Load implements Loader.
func (l *EnvLoader[T]) Load(_ context.Context, cfg *T) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range l.keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// CoordinatorKeys lists every coordinator setting that files and the
// environment may set.
var CoordinatorKeys = []string{
	"listen_host", "max_frame_bytes", "max_in_flight", "job_timeout",
	"frame_timeout", "admin_addr", "log_level",
	"otel.endpoint", "otel.sampling_ratio",
	"kafka.brokers", "kafka.topic",
	"fetch.timeout", "fetch.max_elapsed",
}

// WorkerKeys lists every worker setting that files and the environment may
// set.
var WorkerKeys = []string{
	"max_frame_bytes", "frame_timeout", "admin_addr", "log_level",
	"otel.endpoint", "otel.sampling_ratio",
	"fetch.timeout", "fetch.max_elapsed", "fetch.rps", "fetch.burst",
	"match.host_prefix", "match.pattern",
	"reconnect.max_elapsed",
}

// load applies file (when path is set) and then environment overrides.
func load[T any](ctx context.Context, cfg *T, path string, keys []string) error {
	var loaders []Loader[T]
	if path != "" {
		loaders = append(loaders, fileloader.NewFileLoader[T](path))
	}
	loaders = append(loaders, NewEnvLoader[T](keys...))

	for _, l := range loaders {
		if err := l.Load(ctx, cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

// LoadCoordinator builds the coordinator configuration from defaults, the
// optional file at path, the environment and the positional arguments,
// then validates it.
func LoadCoordinator(ctx context.Context, path, listURL string, port uint16) (Coordinator, error) {
	cfg := DefaultCoordinator()
	if err := load(ctx, &cfg, path, CoordinatorKeys); err != nil {
		return Coordinator{}, err
	}
	cfg.ListURL = listURL
	cfg.ListenPort = port

	if err := cfg.Validate(); err != nil {
		return Coordinator{}, err
	}
	return cfg, nil
}

// LoadWorker builds the worker configuration the same way as
// LoadCoordinator.
func LoadWorker(ctx context.Context, path, host string, port uint16) (Worker, error) {
	cfg := DefaultWorker()
	if err := load(ctx, &cfg, path, WorkerKeys); err != nil {
		return Worker{}, err
	}
	cfg.Host = host
	cfg.Port = port

	if err := cfg.Validate(); err != nil {
		return Worker{}, err
	}
	return cfg, nil
}
