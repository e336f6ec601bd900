// Package metrics exposes forecaster counters and gauges to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BinsProcessed counts forecast bins completed.
	BinsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forage_bins_processed_total",
			Help: "Total number of forecast bins processed",
		},
	)

	// PhaseDuration measures time spent in each per-bin phase.
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forage_phase_duration_seconds",
			Help:    "Duration of per-bin forecast phases in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"phase"},
	)

	// EffectiveSampleSize is the mean particle ESS of the latest bin.
	EffectiveSampleSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forage_particle_ess",
			Help: "Mean effective sample size of the latest particle filter run",
		},
	)

	// BlendedMass is the summed blended score of the latest bin.
	BlendedMass = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forage_blended_mass",
			Help: "Sum of blended occupancy scores in the latest bin",
		},
	)

	// OperatorErrors counts failed operator calls by operator.
	OperatorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forage_operator_errors_total",
			Help: "Total number of operator failures",
		},
		[]string{"operator"},
	)

	// WeightFallbacks counts particle filter steps whose weights degenerated.
	WeightFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forage_weight_fallbacks_total",
			Help: "Particle filter steps that fell back to uniform weights",
		},
	)
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
