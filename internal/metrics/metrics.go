// Package metrics holds the sensor's prometheus collectors and the optional /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	InstancesInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lineage_instances_inserted_total",
			Help: "Process instances inserted into the index",
		})

	ResolutionMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lineage_resolution_misses_total",
			Help: "Time lookups that fell back to the Unknown sentinel",
		})

	NodesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lineage_nodes_pruned_total",
			Help: "Dead leaf nodes detached from the lineage tree",
		})

	AugmentationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_augmentation_failures_total",
			Help: "Augmentation lookups that fell back to NA or Unknown",
		}, []string{"field"})

	RecordsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_records_published_total",
			Help: "Enriched process records handed to the bus",
		}, []string{"activity"})

	BusDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_bus_drops_total",
			Help: "Records dropped because a subscriber queue was full",
		}, []string{"subscriber"})

	IndexInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineage_index_instances",
			Help: "Live process instances in the index",
		})

	IndexTombstones = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineage_index_tombstones",
			Help: "Removed instances still resolvable during their grace period",
		})

	TreeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineage_tree_nodes",
			Help: "Nodes in the lineage tree",
		})

	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lineage_snapshot_seconds",
			Help:    "Time spent writing a lineage snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
