// Package observability wires OpenTelemetry tracing and metrics for the
// engine. Instruments are created at their use sites through the global
// providers installed here.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"jobdock/internal/store"
)

// InitMetrics installs the global meter provider backed by a Prometheus
// exporter. It returns the scrape handler for the /metrics endpoint and a
// shutdown function to call on exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RegisterEngineGauges exposes queue depth and stalled-job counts as
// observable gauges. Both are read from the store at scrape time, not
// maintained between scrapes.
func RegisterEngineGauges(st store.Store, log *slog.Logger, stalledAfter time.Duration) error {
	meter := otel.Meter("jobdock-engine")

	_, err := meter.Int64ObservableGauge("jobdock.queue.depth",
		metric.WithDescription("Jobs currently waiting in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			jobs, err := st.List(ctx, store.Filter{States: []store.State{store.StateQueued}})
			if err != nil {
				log.Warn("queue depth scrape failed", "error", err)
				return nil
			}
			obs.Observe(int64(len(jobs)))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register queue depth gauge: %w", err)
	}

	stalled := true
	_, err = meter.Int64ObservableGauge("jobdock.jobs.stalled",
		metric.WithDescription("Running jobs whose heartbeat has gone quiet"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			jobs, err := st.List(ctx, store.Filter{
				States:       []store.State{store.StateRunning},
				Stalled:      &stalled,
				StalledAfter: stalledAfter,
			})
			if err != nil {
				log.Warn("stalled jobs scrape failed", "error", err)
				return nil
			}
			obs.Observe(int64(len(jobs)))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("register stalled jobs gauge: %w", err)
	}

	return nil
}
