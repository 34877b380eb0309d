// Package httpapi implements the HTTP surface of the dispatch hub:
// /status, /probes, /probes/search, /targets, /dispatch, /session/stop,
// plus /metrics via promhttp. It's a thin wrapper around a gin.Engine with
// a NewServer helper that binds http.Server timeouts, JSON error
// envelopes through a single writeError helper, and query-parameter
// selector parsing in the handlers rather than a generic binding layer.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/probehub/probehub/internal/config"
	"github.com/probehub/probehub/internal/dispatcher"
	"github.com/probehub/probehub/internal/history"
	"github.com/probehub/probehub/internal/inventory"
	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/proberr"
	"github.com/probehub/probehub/internal/sessionset"
)

// Router wires the dispatcher, inventory, and session table behind gin
// handlers. One Router serves the whole process; it holds no state of its
// own beyond what it was constructed with.
type Router struct {
	doc    *config.Document
	inv    *inventory.Inventory
	disp   *dispatcher.Dispatcher
	sink   history.Sink
}

func NewRouter(doc *config.Document, inv *inventory.Inventory, disp *dispatcher.Dispatcher, sink history.Sink) *Router {
	if sink == nil {
		sink = history.NopSink{}
	}
	return &Router{doc: doc, inv: inv, disp: disp, sink: sink}
}

// Handler returns an http.Handler serving every dispatch-hub endpoint.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/status", r.handleStatus)
	g.GET("/probes", r.handleProbes)
	g.GET("/probes/search", r.handleProbesSearch)
	g.GET("/targets", r.handleTargets)
	g.POST("/dispatch", r.handleDispatch)
	g.POST("/session/stop", r.handleSessionStop)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr with conservative
// header/read/write/idle timeouts.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type probeStatus struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Connected      bool   `json:"connected"`
	ObservedSerial string `json:"observed_serial,omitempty"`
	ExpectedSerial string `json:"expected_serial,omitempty"`
	Match          string `json:"match"`
	Session        *sessionView `json:"session,omitempty"`
}

type sessionView struct {
	Mode       string `json:"mode"`
	State      string `json:"state"`
	StopReason string `json:"stop_reason,omitempty"`
	Target     string `json:"target"`
	StartedAt  time.Time `json:"started_at"`
	GDBPort    int    `json:"gdb_port,omitempty"`
	TelnetPort int    `json:"telnet_port,omitempty"`
	RTTPort    int    `json:"rtt_port,omitempty"`
	PrintPort  int    `json:"print_port,omitempty"`
}

// handleStatus implements GET /status: 200 whenever the USB bus can be
// enumerated, merging live USB presence with any active session for the
// probe. An enumeration error is answered with an Internal error (500).
func (r *Router) handleStatus(c *gin.Context) {
	statuses, err := r.inv.Status(c.Request.Context())
	if err != nil {
		writeError(c, proberr.Wrap(proberr.Internal, "enumerate probes", err))
		return
	}

	table := r.disp.Sessions()
	out := make([]probeStatus, 0, len(statuses))
	for _, s := range statuses {
		ps := probeStatus{
			ID: s.ID, Name: s.Name, Connected: s.Connected,
			ObservedSerial: s.ObservedSerial, ExpectedSerial: s.ExpectedSerial,
			Match: string(s.Match),
		}
		if sess, ok := table.Get(s.ID); ok {
			ps.Session = &sessionView{
				Mode: string(sess.Mode), State: string(sess.State()),
				StopReason: string(sess.Reason()), Target: sess.Target,
				StartedAt: sess.StartedAt,
				GDBPort: sess.Ports.GDB, TelnetPort: sess.Ports.Telnet,
				RTTPort: sess.Ports.RTT, PrintPort: sess.Ports.Print,
			}
		}
		out = append(out, ps)
	}
	c.JSON(http.StatusOK, out)
}

// handleProbes implements GET /probes: the static catalog, no runtime status.
func (r *Router) handleProbes(c *gin.Context) {
	c.JSON(http.StatusOK, r.doc.ProbeList)
}

// handleProbesSearch implements GET /probes/search: AND-combined
// filters over the configured catalog, VID/PID hex lowercased, name
// substring case-insensitive.
func (r *Router) handleProbesSearch(c *gin.Context) {
	f := inventory.SearchFilter{
		Interface: c.Query("interface"),
		VID:       c.Query("vid"),
		PID:       c.Query("pid"),
		Serial:    c.Query("serial"),
		Name:      c.Query("name"),
	}
	matches := r.inv.Search(f)
	c.JSON(http.StatusOK, gin.H{
		"query":   f,
		"matches": matches,
		"count":   len(matches),
	})
}

// handleTargets implements GET /targets.
func (r *Router) handleTargets(c *gin.Context) {
	c.JSON(http.StatusOK, r.doc.TargetList)
}

// handleDispatch implements POST /dispatch: multipart
// form with target/probe/mode/transport and an optional firmware file
// required iff mode=flash.
func (r *Router) handleDispatch(c *gin.Context) {
	probeID, err := strconv.Atoi(c.PostForm("probe"))
	if err != nil {
		writeError(c, proberr.New(proberr.InvalidRequest, "probe must be an integer"))
		return
	}
	mode := config.Mode(c.PostForm("mode"))
	if !mode.Valid() {
		writeError(c, proberr.New(proberr.InvalidRequest, "mode must be one of flash, debug, print"))
		return
	}

	req := dispatcher.Request{
		Target:    c.PostForm("target"),
		ProbeID:   probeID,
		Mode:      mode,
		Transport: c.PostForm("transport"),
	}

	if mode == config.ModeFlash {
		fh, err := c.FormFile("file")
		if err != nil {
			writeError(c, proberr.New(proberr.InvalidRequest, "flash requires a firmware file"))
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(c, proberr.Wrap(proberr.InvalidRequest, "open uploaded file", err))
			return
		}
		defer func() { _ = f.Close() }()
		req.FirmwareName = fh.Filename
		req.Firmware = f
	}

	started := time.Now()
	res, err := r.disp.Dispatch(c.Request.Context(), req)
	r.recordHistory(c.Request.Context(), req, res, started, err)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      res.Status,
		"exit_code":   res.ExitCode,
		"log":         res.Stdout + res.Stderr,
		"gdb_port":    res.GDBPort,
		"telnet_port": res.TelnetPort,
		"rtt_port":    res.RTTPort,
		"print_port":  res.PrintPort,
	})
}

func (r *Router) recordHistory(ctx context.Context, req dispatcher.Request, res dispatcher.Result, started time.Time, err error) {
	ev := history.Event{
		Type: history.EventDispatchCompleted, OccurredAt: started,
		ProbeID: req.ProbeID, Target: req.Target, Mode: string(req.Mode),
		Status: res.Status, ExitCode: res.ExitCode, Duration: time.Since(started),
	}
	if err != nil {
		ev.Status = string(proberr.KindOf(err))
		ev.Err = err.Error()
	}
	_ = r.sink.Send(ctx, ev)
}

// handleSessionStop implements POST /session/stop: form
// fields probe (required) and kind (optional, default all). Synchronously
// waits for every matching session's lock release before responding.
func (r *Router) handleSessionStop(c *gin.Context) {
	probeID, err := strconv.Atoi(c.PostForm("probe"))
	if err != nil {
		writeError(c, proberr.New(proberr.InvalidRequest, "probe must be an integer"))
		return
	}
	kind := sessionset.Kind(strings.ToLower(c.DefaultPostForm("kind", string(sessionset.KindAll))))
	if !kind.Valid() {
		writeError(c, proberr.New(proberr.InvalidRequest, "kind must be one of debug, print, all"))
		return
	}

	selected, err := r.disp.StopSession(c.Request.Context(), probeID, kind)
	if err != nil {
		writeError(c, proberr.Wrap(proberr.Internal, "stop session", err))
		return
	}
	if len(selected) == 0 {
		writeError(c, proberr.New(proberr.NotFound, "no matching session for probe"))
		return
	}
	// Debug/print sessions already get an EventSessionStopped from the
	// supervisor's own terminal transition; a flash dispatch has no
	// supervisor, so it's the only one recorded here.
	for _, sel := range selected {
		if sel.Mode != config.ModeFlash {
			continue
		}
		_ = r.sink.Send(c.Request.Context(), history.Event{
			Type: history.EventSessionStopped, OccurredAt: time.Now(),
			ProbeID: sel.ProbeID, Mode: string(sel.Mode), Status: "stopped",
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stopped": selected})
}

func writeError(c *gin.Context, err error) {
	status := proberr.Internal
	code := http.StatusInternalServerError
	var log string
	var pe *proberr.Error
	if e, ok := err.(*proberr.Error); ok {
		pe = e
	}
	if pe != nil {
		status = pe.Kind
		code = pe.HTTPStatus()
		log = pe.Log
	}
	c.JSON(code, gin.H{"status": string(status), "error": err.Error(), "log": log})
}
