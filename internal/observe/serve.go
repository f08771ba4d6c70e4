package observe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsShutdownTimeout bounds the drain of in-flight scrape requests.
const metricsShutdownTimeout = 5 * time.Second

// MetricsHandler returns the handler for the Prometheus scrape endpoint. It
// serves the default registry, which [InitProvider]'s exporter feeds.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ServeMetrics serves the scrape endpoint at /metrics on addr until ctx is
// cancelled, then drains in-flight requests and returns ctx's error. A listen
// or serve failure is returned as-is.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("metrics endpoint listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
