package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/lineage-sensor/internal/boottrace"
	"github.com/mrzor/lineage-sensor/internal/config"
	"github.com/mrzor/lineage-sensor/internal/hostprobe"
	"github.com/mrzor/lineage-sensor/internal/lineage"
	"github.com/mrzor/lineage-sensor/internal/model"
)

func newBootTraceCommand(f *flags) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "boottrace",
		Short: "record and inspect boot trace logs",
	}
	record := &cobra.Command{
		Use:   "record",
		Short: "record process starts from early boot until the sensor asks to stop",
		Long: `record is started by the init system before the sensor. It writes every process
start to SENSOR_BOOT_TRACE_DIR/<session>.lsbt.part and, once the sensor requests a stop,
publishes the log as <session>.lsbt for the sensor to replay.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(f.logLevel, f.devLog)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return recordBootTrace(ctx, cfg, logger)
		},
	}
	replay := &cobra.Command{
		Use:   "replay LOG",
		Short: "join a boot trace log and print one JSON record per process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			joined, stats, err := boottrace.Replay(file, window)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, j := range joined {
				if encErr := enc.Encode(j); encErr != nil {
					return encErr
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "starts=%d images=%d joined=%d dropped=%d\n",
				stats.Starts, stats.Images, stats.Joined, stats.Dropped)
			return err
		},
	}
	replay.Flags().DurationVar(&window, "window", 3*time.Second, "maximum distance between the halves of a process")
	cmd.AddCommand(record, replay)
	return cmd
}

// recordBootTrace feeds the live collector into a boot trace recorder until the sensor's
// stop request, or ctx, ends the recording. The log is published either way.
func recordBootTrace(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rec, err := boottrace.NewRecorder(&boottrace.FileSession{Dir: cfg.BootTraceDir, Logger: logger}, cfg.BootTraceSession)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	loader, err := startCollector(gctx, g, cfg, hostprobe.New(gctx, logger), rec, logger)
	if err != nil {
		_ = rec.Abort()
		return err
	}

	if err := rec.Wait(gctx); err != nil {
		logger.Info("boot trace interrupted", zap.Error(err))
	}
	cancel()
	werr := g.Wait()
	if err := loader.Close(); err != nil {
		logger.Warn("unloading BPF objects", zap.Error(err))
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	return werr
}

func newSnapshotCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "inspect lineage snapshots",
	}
	show := &cobra.Command{
		Use:   "show FILE",
		Short: "print a lineage snapshot as an indented tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(f.logLevel, f.devLog)
			if err != nil {
				return err
			}
			tree, err := lineage.ReadFile(args[0], logger)
			if err != nil {
				return err
			}
			return printTree(cmd.OutOrStdout(), tree)
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func printTree(w io.Writer, tree *lineage.Tree) error {
	var err error
	tree.Walk(func(inst *model.ProcessInstance) bool {
		ancestors, aerr := tree.GetAncestors(inst.PidHash)
		if aerr != nil {
			err = aerr
			return false
		}
		_, err = fmt.Fprintf(w, "%s%d %s %s\n", strings.Repeat("  ", len(ancestors)), inst.Pid, inst.ProcessName, inst.PidHash)
		return err == nil
	})
	return err
}
