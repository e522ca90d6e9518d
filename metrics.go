package ephost

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/metrics"
)

// NewPrometheusMetrics returns a MetricsCollector backed by Prometheus.
//
// Metrics are registered with reg on first use. An empty namespace defaults to "ephost".
//
// Parameters:
//   - reg: Registerer, typically prometheus.DefaultRegisterer
//   - namespace: Metric name prefix
//
// Returns:
//   - MetricsCollector: Collector for WithMetrics
//
// Example:
//
//	host, err := ephost.NewHost(cfg, client, store, store, factory,
//	    ephost.WithMetrics(ephost.NewPrometheusMetrics(prometheus.DefaultRegisterer, "orders")))
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) MetricsCollector {
	return metrics.NewPrometheus(reg, namespace)
}

// NewSlogLogger adapts a *slog.Logger to Logger. A nil logger uses slog.Default().
func NewSlogLogger(logger *slog.Logger) Logger {
	return logging.NewSlog(logger)
}
