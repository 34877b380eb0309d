// Package probehub is the embeddable facade over the dispatch hub: one
// Hub wires the config document, inventory, probe locks, container
// runtime, staging area, session table, dispatcher, and HTTP router
// together behind a stable public API.
package probehub

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/probehub/probehub/internal/config"
	"github.com/probehub/probehub/internal/container"
	"github.com/probehub/probehub/internal/dispatcher"
	"github.com/probehub/probehub/internal/history"
	"github.com/probehub/probehub/internal/history/factory"
	"github.com/probehub/probehub/internal/httpapi"
	"github.com/probehub/probehub/internal/inventory"
	"github.com/probehub/probehub/internal/lock"
	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/session"
	"github.com/probehub/probehub/internal/staging"
)

// Re-exported types so callers embedding this module don't need to reach
// into internal packages for the shapes they pass around.
type (
	Document = config.Document
	Request  = dispatcher.Request
	Result   = dispatcher.Result
)

// Options configures a Hub beyond what the config document itself carries.
type Options struct {
	LockDir    string // directory for per-probe advisory lock files
	StagingDir string // directory flash firmware is staged into before exec
	HistoryDSN string // "" disables audit history (factory.NewSinkFromDSN)
	LogDir     string // "" disables rotated flash-tool output logging
}

// Hub is one running instance of the dispatch core: a config document,
// the components that build on top of it, and the HTTP router that
// fronts them.
type Hub struct {
	doc    *config.Document
	inv    *inventory.Inventory
	locks  *lock.Manager
	area   *staging.Area
	table  *session.Table
	disp   *dispatcher.Dispatcher
	router *httpapi.Router
	sink   history.Sink
}

// New loads configPath and assembles a Hub ready to serve. Probe
// inventory is backed by the real USB bus and the container runtime by
// the real Docker daemon; tests construct the lower layers directly
// instead of going through New.
func New(configPath string, opts Options) (*Hub, error) {
	doc, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	sink, err := factory.NewSinkFromDSN(opts.HistoryDSN)
	if err != nil {
		return nil, err
	}

	inv := inventory.New(doc, inventory.USBSource{})
	locks := lock.NewManager(opts.LockDir)
	area := staging.New(opts.StagingDir)
	table := session.NewTable()
	runtime := container.NewManager()
	disp := dispatcher.New(doc, inv, runtime, locks, area, table)
	disp.SetLogDir(opts.LogDir)
	disp.SetSink(sink)
	router := httpapi.NewRouter(doc, inv, disp, sink)

	return &Hub{doc: doc, inv: inv, locks: locks, area: area, table: table, disp: disp, router: router, sink: sink}, nil
}

// Document returns the loaded, validated config catalog.
func (h *Hub) Document() *config.Document { return h.doc }

// Dispatch runs one dispatch request to completion (flash) or to session
// start (debug/print); see internal/dispatcher for the full contract.
func (h *Hub) Dispatch(ctx context.Context, req Request) (Result, error) {
	return h.disp.Dispatch(ctx, req)
}

// Status reports live USB connectivity for every configured probe. It
// carries no session state; the HTTP /status endpoint merges that in.
func (h *Hub) Status(ctx context.Context) ([]inventory.Status, error) {
	return h.inv.Status(ctx)
}

// Handler returns the HTTP handler serving every dispatch-hub endpoint.
func (h *Hub) Handler() http.Handler { return h.router.Handler() }

// Serve starts an HTTP server bound to addr and returns immediately; the
// server runs in a background goroutine until the returned server's
// Shutdown or Close is called. Hub.Close does not stop it.
func (h *Hub) Serve(addr string) *http.Server {
	return httpapi.NewServer(addr, h.router)
}

// Close releases the history sink. The session table and probe locks have
// no persistent resources to release: a restart always starts every probe
// idle (no persistent session store across restarts).
func (h *Hub) Close() error {
	return h.sink.Close()
}

// RegisterMetrics registers every probehub metric with r. Call once per
// process before serving traffic.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers every probehub metric with the default
// Prometheus registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves /metrics via promhttp.
func MetricsHandler() http.Handler { return metrics.Handler() }

const shutdownGrace = 5 * time.Second

// Shutdown gracefully stops srv, giving in-flight requests up to the
// shutdown grace period to finish.
func Shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(ctx)
}
