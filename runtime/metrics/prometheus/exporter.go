package prometheus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 10 * time.Second

// ErrExporterServing is returned by Serve when the exporter already has a listener.
var ErrExporterServing = errors.New("metrics exporter already serving")

// Exporter owns the CollabKit metrics registry. Its handler is either mounted
// on the collaboration server's mux or served on a dedicated listener.
type Exporter struct {
	registry *prometheus.Registry
	path     string

	mu     sync.Mutex
	server *http.Server
}

// NewExporter registers the CollabKit collectors together with Go runtime,
// process and build info collectors. path is where Serve exposes metrics.
func NewExporter(path string) *Exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(allMetrics...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
	if path == "" {
		path = "/metrics"
	}
	return &Exporter{registry: reg, path: path}
}

// Handler returns the scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes metrics and /healthz on ln, keeping scrapes off the
// collaboration port. It blocks and returns http.ErrServerClosed after
// Shutdown.
func (e *Exporter) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("GET "+e.path, e.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	e.mu.Lock()
	if e.server != nil {
		e.mu.Unlock()
		return ErrExporterServing
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	e.server = srv
	e.mu.Unlock()

	return srv.Serve(ln)
}

// Shutdown stops the dedicated listener, if any.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
