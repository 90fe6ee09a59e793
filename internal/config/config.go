// Package config defines the coordinator and worker configuration and loads
// it from defaults, an optional YAML file, TALLY_* environment variables and
// command-line arguments, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/tally/internal/app/dispatch"
	"github.com/ahrav/tally/internal/app/worker"
	"github.com/ahrav/tally/internal/infra/messaging/protocol"
	scanner "github.com/ahrav/tally/internal/infra/scanner/url"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// OTel configures trace and metric export.
type OTel struct {
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
}

// Kafka configures the optional result sink. No brokers disables it.
type Kafka struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers" validate:"dive,hostname_port"`
	Topic   string   `yaml:"topic" mapstructure:"topic" validate:"required_with=Brokers"`
}

// Fetch configures HTTP downloads.
type Fetch struct {
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	MaxElapsed time.Duration `yaml:"max_elapsed" mapstructure:"max_elapsed" validate:"gte=0"`
	RPS        float64       `yaml:"rps" mapstructure:"rps" validate:"gte=0"`
	Burst      int           `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// Match selects which rows a worker counts.
type Match struct {
	HostPrefix string `yaml:"host_prefix" mapstructure:"host_prefix"`
	Pattern    string `yaml:"pattern" mapstructure:"pattern"`
}

// Reconnect bounds a worker's connection retries.
type Reconnect struct {
	MaxElapsed time.Duration `yaml:"max_elapsed" mapstructure:"max_elapsed" validate:"gt=0"`
}

// Coordinator is the coordinator process configuration.
type Coordinator struct {
	// ListURL and ListenPort come from the command line only.
	ListURL    string `yaml:"-" mapstructure:"-" validate:"required,url"`
	ListenPort uint16 `yaml:"-" mapstructure:"-"`

	ListenHost    string        `yaml:"listen_host" mapstructure:"listen_host"`
	MaxFrameBytes uint64        `yaml:"max_frame_bytes" mapstructure:"max_frame_bytes" validate:"gte=8"`
	MaxInFlight   int           `yaml:"max_in_flight" mapstructure:"max_in_flight" validate:"gte=0"`
	JobTimeout    time.Duration `yaml:"job_timeout" mapstructure:"job_timeout" validate:"gte=0"`
	FrameTimeout  time.Duration `yaml:"frame_timeout" mapstructure:"frame_timeout" validate:"gte=0"`
	AdminAddr     string        `yaml:"admin_addr" mapstructure:"admin_addr" validate:"omitempty,hostname_port"`
	LogLevel      string        `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`

	OTel  OTel  `yaml:"otel" mapstructure:"otel"`
	Kafka Kafka `yaml:"kafka" mapstructure:"kafka"`
	Fetch Fetch `yaml:"fetch" mapstructure:"fetch"`
}

// Worker is the worker process configuration.
type Worker struct {
	// Host and Port come from the command line only.
	Host string `yaml:"-" mapstructure:"-" validate:"required"`
	Port uint16 `yaml:"-" mapstructure:"-" validate:"gt=0"`

	MaxFrameBytes uint64        `yaml:"max_frame_bytes" mapstructure:"max_frame_bytes" validate:"gt=0"`
	FrameTimeout  time.Duration `yaml:"frame_timeout" mapstructure:"frame_timeout" validate:"gte=0"`
	AdminAddr     string        `yaml:"admin_addr" mapstructure:"admin_addr" validate:"omitempty,hostname_port"`
	LogLevel      string        `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`

	OTel      OTel      `yaml:"otel" mapstructure:"otel"`
	Fetch     Fetch     `yaml:"fetch" mapstructure:"fetch"`
	Match     Match     `yaml:"match" mapstructure:"match"`
	Reconnect Reconnect `yaml:"reconnect" mapstructure:"reconnect"`
}

// DefaultCoordinator returns the built-in coordinator defaults.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		ListenHost:    "0.0.0.0",
		MaxFrameBytes: protocol.DefaultMaxPayload,
		JobTimeout:    dispatch.DefaultJobTimeout,
		FrameTimeout:  30 * time.Second,
		LogLevel:      "info",
		OTel:          OTel{SamplingRatio: 0.1},
		Kafka:         Kafka{Topic: "tally.results"},
		Fetch:         Fetch{Timeout: 30 * time.Second, MaxElapsed: 2 * time.Minute},
	}
}

// DefaultWorker returns the built-in worker defaults.
func DefaultWorker() Worker {
	return Worker{
		MaxFrameBytes: protocol.DefaultMaxPayload,
		FrameTimeout:  30 * time.Second,
		LogLevel:      "info",
		OTel:          OTel{SamplingRatio: 0.1},
		Fetch:         Fetch{Timeout: time.Minute, MaxElapsed: 2 * time.Minute},
		Match:         Match{HostPrefix: scanner.DefaultHostPrefix},
		Reconnect:     Reconnect{MaxElapsed: worker.DefaultReconnectMaxElapsed},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Coordinator) Validate() error { return validateStruct(c) }

// Validate checks every field constraint.
func (c *Worker) Validate() error { return validateStruct(c) }

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalid, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
