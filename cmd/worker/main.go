package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/tally/internal/app/worker"
	"github.com/ahrav/tally/internal/config"
	scanner "github.com/ahrav/tally/internal/infra/scanner/url"
	"github.com/ahrav/tally/pkg/common"
	"github.com/ahrav/tally/pkg/common/logger"
	"github.com/ahrav/tally/pkg/common/otel"
)

const serviceType = "worker"

func main() {
	_, _ = maxprocs.Set()

	var configPath string
	cmd := &cobra.Command{
		Use:   "worker <host> <port>",
		Short: "Count matching rows in the files a coordinator hands out",
		Args:  cobra.ExactArgs(2),
		// Usage and runtime errors are reported once, by main.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.LoadWorker(ctx, configPath, args[0], uint16(port))
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Worker) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	workerID := uuid.NewString()
	svcName := fmt.Sprintf("WORKER-%s", hostname)

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
				"worker_id":     workerID,
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"app":       serviceType,
		"worker_id": workerID,
	}
	log := logger.NewWithMetadata(os.Stderr, logger.ParseLevel(cfg.LogLevel), svcName, otel.GetTraceID, logEvents, metadata)

	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.OTel.Endpoint,
		Probability:      cfg.OTel.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
			"worker.id":        workerID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetryTeardown(context.WithoutCancel(ctx))

	tracer := providers.Tracer.Tracer(serviceType)

	metrics, err := worker.NewWorkerMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to create worker metrics: %w", err)
	}

	matcher, err := scanner.NewMatcher(cfg.Match.HostPrefix, cfg.Match.Pattern)
	if err != nil {
		return err
	}
	urlScanner := scanner.NewScanner(
		scanner.Config{
			Timeout:    cfg.Fetch.Timeout,
			MaxElapsed: cfg.Fetch.MaxElapsed,
			RPS:        cfg.Fetch.RPS,
			Burst:      cfg.Fetch.Burst,
		},
		matcher,
		log,
		tracer,
		providers.Tracer,
	)

	w := worker.New(
		workerID,
		worker.Config{
			Addr:                net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))),
			MaxFrameBytes:       cfg.MaxFrameBytes,
			FrameTimeout:        cfg.FrameTimeout,
			ReconnectMaxElapsed: cfg.Reconnect.MaxElapsed,
		},
		urlScanner,
		metrics,
		log,
		tracer,
	)

	g, gctx := errgroup.WithContext(ctx)
	adminCtx, stopAdmin := context.WithCancel(gctx)
	defer stopAdmin()

	g.Go(func() error {
		defer stopAdmin()
		return w.Run(gctx)
	})

	if cfg.AdminAddr != "" {
		ready := &atomic.Bool{}
		ready.Store(true)
		admin, err := common.NewAdminServer(cfg.AdminAddr, nil, ready, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return admin.Run(adminCtx) })
	}

	return g.Wait()
}
