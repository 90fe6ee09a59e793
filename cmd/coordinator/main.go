package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/tally/internal/app/dispatch"
	enumerator "github.com/ahrav/tally/internal/app/enumeration/url"
	"github.com/ahrav/tally/internal/config"
	"github.com/ahrav/tally/internal/infra/eventbus/kafka"
	"github.com/ahrav/tally/pkg/common"
	"github.com/ahrav/tally/pkg/common/logger"
	"github.com/ahrav/tally/pkg/common/otel"
)

const serviceType = "coordinator"

// kafkaConnectTimeout bounds how long startup waits for the result sink.
const kafkaConnectTimeout = time.Minute

func main() {
	_, _ = maxprocs.Set()

	var configPath string
	cmd := &cobra.Command{
		Use:   "coordinator <url-to-item-list> <listen-port>",
		Short: "Distribute items to workers and print the sum of their counts",
		Long: "coordinator fetches a newline-delimited list of item identifiers, hands\n" +
			"them to the workers that connect on <listen-port>, and prints the sum of\n" +
			"the counts they report once every item has a result.",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid listen port %q: %w", args[1], err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.LoadCoordinator(ctx, configPath, args[0], uint16(port))
			if err != nil {
				return err
			}
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Coordinator, stdout io.Writer) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	svcName := fmt.Sprintf("COORDINATOR-%s", hostname)
	log := newLogger(cfg.LogLevel, svcName, hostname)

	providers, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.OTel.Endpoint,
		Probability:      cfg.OTel.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetryTeardown(context.WithoutCancel(ctx))

	tracer := providers.Tracer.Tracer(serviceType)

	enum := enumerator.NewEnumerator(
		enumerator.Config{Timeout: cfg.Fetch.Timeout, MaxElapsed: cfg.Fetch.MaxElapsed},
		log, tracer, providers.Tracer,
	)
	items, err := enum.Enumerate(ctx, cfg.ListURL)
	if err != nil {
		return err
	}

	opts := []dispatch.Option{dispatch.WithMetrics(dispatch.NewMetrics(nil))}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.ConnectWithRetry(
			kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, ClientID: svcName},
			kafkaConnectTimeout,
			log,
		)
		if err != nil {
			return err
		}
		publisher := kafka.NewResultPublisher(producer, cfg.Kafka.Topic, log, tracer)
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Error(ctx, "failed to close result publisher", "error", err)
			}
		}()
		opts = append(opts, dispatch.WithResultSink(publisher))
	}

	ready := &atomic.Bool{}
	opts = append(opts, dispatch.WithIterationHook(func(dispatch.Stats) { ready.Store(true) }))

	dispatcher := dispatch.NewDispatcher(
		dispatch.Config{
			ListenAddr:    net.JoinHostPort(cfg.ListenHost, strconv.Itoa(int(cfg.ListenPort))),
			MaxInFlight:   cfg.MaxInFlight,
			JobTimeout:    cfg.JobTimeout,
			MaxFrameBytes: cfg.MaxFrameBytes,
			FrameTimeout:  cfg.FrameTimeout,
		},
		items,
		log,
		tracer,
		opts...,
	)

	g, gctx := errgroup.WithContext(ctx)
	adminCtx, stopAdmin := context.WithCancel(gctx)
	defer stopAdmin()

	var total uint64
	g.Go(func() error {
		defer stopAdmin()
		summary, err := dispatcher.Run(gctx)
		if err != nil {
			return err
		}
		total = summary.Total
		return nil
	})

	if cfg.AdminAddr != "" {
		admin, err := common.NewAdminServer(cfg.AdminAddr, nil, ready, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return admin.Run(adminCtx) })
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info(ctx, "coordinator stopped before all work completed")
		}
		return err
	}

	fmt.Fprintln(stdout, total)
	return nil
}

func newLogger(level, svcName, hostname string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
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
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	// Logs go to stderr; stdout carries only the final total.
	return logger.NewWithMetadata(os.Stderr, logger.ParseLevel(level), svcName, otel.GetTraceID, logEvents, metadata)
}
