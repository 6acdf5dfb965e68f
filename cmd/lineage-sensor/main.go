// lineage-sensor resolves every process observed on the host to a stable identity and
// ancestry, and republishes the enriched records to NATS and OpenTelemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/lineage-sensor/internal/attributes"
	"github.com/mrzor/lineage-sensor/internal/boottrace"
	"github.com/mrzor/lineage-sensor/internal/bus"
	"github.com/mrzor/lineage-sensor/internal/collector"
	"github.com/mrzor/lineage-sensor/internal/config"
	"github.com/mrzor/lineage-sensor/internal/hashcache"
	"github.com/mrzor/lineage-sensor/internal/hostprobe"
	"github.com/mrzor/lineage-sensor/internal/identity"
	"github.com/mrzor/lineage-sensor/internal/metrics"
	"github.com/mrzor/lineage-sensor/internal/natssink"
	"github.com/mrzor/lineage-sensor/internal/otel"
	"github.com/mrzor/lineage-sensor/internal/output"
	"github.com/mrzor/lineage-sensor/internal/pipeline"
	"github.com/mrzor/lineage-sensor/internal/reconstruct"
	"github.com/mrzor/lineage-sensor/internal/timesync"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	attrs    []string
	logLevel string
	devLog   bool
	noLive   bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "lineage-sensor",
		Short:        "process identity and lineage sensor",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(f.logLevel, f.devLog)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, f, logger)
		},
	}

	cmd.Flags().StringArrayVarP(&f.attrs, "attr", "a", nil, "custom span attribute NAME=EXPR (repeatable)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&f.devLog, "dev-log", false, "human-readable console logs")
	cmd.Flags().BoolVar(&f.noLive, "no-live", false, "do not load the eBPF collector")

	cmd.AddCommand(newBootTraceCommand(&f), newSnapshotCommand(&f))
	return cmd
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, f flags, logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	customAttrs, err := config.ParseCustomAttributes(f.attrs)
	if err != nil {
		return err
	}

	host := hostprobe.New(ctx, logger)
	hostname := cfg.Hostname
	if hostname == "" {
		if hostname, err = host.Hostname(); err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
	}
	logger = logger.With(zap.String("host", hostname))
	logger.Info("starting", zap.String("version", version), zap.String("commit", commit))

	digests, err := hashcache.New(cfg.HashCacheSize)
	if err != nil {
		return err
	}

	events := bus.New(cfg.BusBuffer, logger)

	pipe, err := pipeline.New(pipeline.Options{
		Hasher:            identity.New(cfg.IdentityContext, hostname),
		Users:             host,
		Digests:           digests,
		Publisher:         events,
		IndexSoftCapacity: cfg.IndexSoftCapacity,
		TombstoneGrace:    cfg.TombstoneGrace,
		EmittedSetSize:    cfg.EmittedSetSize,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = pipe.Close() }()

	if cfg.NATSURL != "" {
		sink, err := natssink.Connect(natssink.Config{
			URL:           cfg.NATSURL,
			Subject:       cfg.NATSSubject,
			Name:          "lineage-sensor@" + hostname,
			MaxReconnects: -1,
		}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = sink.Close() }()
		events.Subscribe(sink)
	}

	if cfg.OTELEnabled {
		tp, err := otel.InitProvider(ctx, &cfg.OTEL, hostname, version, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
				logger.Warn("shutting down tracer provider", zap.Error(err))
			}
		}()

		eval, err := attributes.NewEvaluator(customAttrs, logger)
		if err != nil {
			return err
		}
		spans, err := output.NewSpanSink(tp.Tracer("lineage-sensor"), eval, pipe.Tree(), cfg.EmittedSetSize, logger)
		if err != nil {
			return err
		}
		// Runs before the provider shutdown so evicted spans are flushed.
		defer spans.Close()
		events.Subscribe(spans)
	} else if len(customAttrs) > 0 {
		logger.Warn("--attr has no effect without SENSOR_OTEL_ENABLED")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger) })
	}

	rec := reconstruct.New(pipe, host, reconstruct.Options{
		BootWindow:        cfg.BootWindow,
		JoinWindow:        cfg.BootJoinWindow,
		TraceTimeout:      cfg.BootTraceTimeout,
		SessionName:       cfg.BootTraceSession,
		Session:           bootSession(cfg, host, logger),
		SnapshotPath:      cfg.SnapshotPath,
		SerializeInterval: cfg.SerializeInterval,
		PruneInterval:     cfg.PruneInterval,
		RefreshInterval:   cfg.RefreshInterval,
		SelfPid:           uint32(os.Getpid()),
		Logger:            logger,
	})
	rec.Run(gctx)

	if !f.noLive {
		loader, err := startCollector(gctx, g, cfg, host, pipe, logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("%w (run with --no-live to skip the eBPF collector)", err)
		}
		defer func() {
			if err := loader.Close(); err != nil {
				logger.Warn("unloading BPF objects", zap.Error(err))
			}
		}()
	}

	g.Go(func() error { return rec.Maintain(gctx) })

	err = g.Wait()
	logger.Info("stopped", zap.Int("nodes", pipe.Tree().Len()))
	return err
}

// bootSession returns nil unless a boot tracer has been recording since this boot.
func bootSession(cfg *config.Config, host *hostprobe.Host, logger *zap.Logger) boottrace.Session {
	session := &boottrace.FileSession{
		Dir:     cfg.BootTraceDir,
		Timeout: cfg.BootTraceTimeout,
		Logger:  logger,
	}
	boot, err := host.BootTime()
	if err != nil {
		logger.Warn("boot time unavailable, skipping boot trace", zap.Error(err))
		return nil
	}
	if err := session.Ready(cfg.BootTraceSession, boot); err != nil {
		logger.Debug("boot trace unavailable", zap.Error(err))
		return nil
	}
	return session
}

func startCollector(ctx context.Context, g *errgroup.Group, cfg *config.Config, host *hostprobe.Host, publisher collector.ProcessPublisher, logger *zap.Logger) (*collector.Loader, error) {
	loader, err := collector.Load(cfg.BPFObject)
	if err != nil {
		return nil, err
	}
	if err := loader.Attach(); err != nil {
		_ = loader.Close()
		return nil, err
	}
	rd, err := loader.OpenRingBuffer()
	if err != nil {
		_ = loader.Close()
		return nil, err
	}

	boot, err := host.BootTime()
	if err != nil {
		logger.Warn("boot time unavailable, event times are estimates", zap.Error(err))
	}
	translator := collector.NewTranslator(timesync.NewConverter(boot), host, publisher, logger)
	stream := collector.NewStream(rd, translator, logger)
	g.Go(func() error { return stream.Run(ctx) })

	logger.Info("live collector attached", zap.String("object", cfg.BPFObject))
	return loader, nil
}
