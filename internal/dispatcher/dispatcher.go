// Package dispatcher implements the decision core: it
// validates a dispatch request against the config, inventory, and session
// table, renders the command template, acquires the probe lock, and drives
// execution by mode — to completion for flash, handed off to a supervisor
// for debug/print.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/probehub/probehub/internal/config"
	"github.com/probehub/probehub/internal/container"
	"github.com/probehub/probehub/internal/history"
	"github.com/probehub/probehub/internal/inventory"
	"github.com/probehub/probehub/internal/lock"
	"github.com/probehub/probehub/internal/logger"
	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/ports"
	"github.com/probehub/probehub/internal/proberr"
	"github.com/probehub/probehub/internal/session"
	"github.com/probehub/probehub/internal/sessionset"
	"github.com/probehub/probehub/internal/staging"
	"github.com/probehub/probehub/internal/supervisor"
	"github.com/probehub/probehub/pkg/template"
)

// Request is one /dispatch call's decoded form.
type Request struct {
	Target       string
	ProbeID      int
	Mode         config.Mode
	Transport    string
	FirmwareName string
	Firmware     io.Reader
}

// Result is what a completed or started dispatch reports back to the API
// layer; fields are populated per mode.
type Result struct {
	Status   string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	GDBPort  int
	TelnetPort int
	RTTPort  int
	PrintPort int
}

// KillBinaryFor names the residual binary the supervisor cleans up inside
// a container after escalating to SIGKILL, per probe interface. Commercial
// debug tools leave grandchild processes behind in tool-specific ways;
// this keeps the mapping in one place instead of hardcoding it into the
// supervisor.
var KillBinaryFor = map[config.Interface]string{
	config.InterfaceJLink:    "JLinkGDBServer",
	config.InterfaceCMSISDAP: "openocd",
	config.InterfaceWCHLink:  "openocd",
}

// Dispatcher wires every component the decision core needs.
type Dispatcher struct {
	doc     *config.Document
	inv     *inventory.Inventory
	locks   *lock.Manager
	runtime container.Runtime
	staging *staging.Area
	table   *session.Table
	logDir  string
	sink    history.Sink
}

func New(doc *config.Document, inv *inventory.Inventory, runtime container.Runtime, locks *lock.Manager, stagingArea *staging.Area, table *session.Table) *Dispatcher {
	return &Dispatcher{doc: doc, inv: inv, locks: locks, runtime: runtime, staging: stagingArea, table: table, sink: history.NopSink{}}
}

// SetLogDir enables rotated-file logging of captured flash-tool output
// under dir; an empty dir (the default) disables it.
func (d *Dispatcher) SetLogDir(dir string) { d.logDir = dir }

// SetSink enables best-effort dispatch-start/supervisor-terminal audit
// events to sink; a nil sink (the default) makes every send a no-op.
func (d *Dispatcher) SetSink(sink history.Sink) {
	if sink == nil {
		sink = history.NopSink{}
	}
	d.sink = sink
}

// Sessions exposes the session table for the HTTP layer's /status and
// /session/stop handlers.
func (d *Dispatcher) Sessions() *session.Table { return d.table }

// Dispatch validates and executes one request end to end,
// recording the outcome and latency under the request's mode.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	_ = d.sink.Send(ctx, history.Event{
		Type: history.EventDispatchStarted, OccurredAt: start,
		ProbeID: req.ProbeID, Target: req.Target, Mode: string(req.Mode),
	})
	res, err := d.dispatch(ctx, req)
	status := "ok"
	if err != nil {
		status = string(proberr.KindOf(err))
	}
	metrics.IncDispatch(string(req.Mode), status)
	metrics.ObserveDispatchDuration(string(req.Mode), time.Since(start).Seconds())
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Result, error) {
	target, probe, iface, err := d.validate(ctx, req)
	if err != nil {
		return Result{}, err
	}

	transport, err := d.doc.ValidateTransport(req.Target, probe, iface, req.Transport, req.Mode)
	if err != nil {
		return Result{}, proberr.Wrap(proberr.InvalidTransport, "transport not allowed", err)
	}

	if err := validateFirmwarePresence(req); err != nil {
		return Result{}, err
	}

	tmpl, err := d.doc.Resolve(req.Target, iface, req.Mode)
	if err != nil {
		return Result{}, proberr.Wrap(proberr.TemplateError, "resolve command template", err)
	}
	if template.References(tmpl)[template.Transport] && transport == "" {
		return Result{}, proberr.New(proberr.InvalidTransport, "template requires a transport but none is configured or requested")
	}

	portSet := ports.Allocate(d.doc.Ports, probe.ID)

	// A flash dispatch has no Session entry (it runs to completion and
	// never reaches AWAITING_CLIENT), so it registers its own cancel func
	// under the same table so /session/stop with kind=all can still abort
	// it, whether it's still uploading firmware or already executing.
	if req.Mode == config.ModeFlash {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		d.table.PutFlash(probe.ID, cancel)
		defer func() {
			cancel()
			d.table.RemoveFlash(probe.ID)
		}()
	}

	var blob *staging.Blob
	if req.Mode == config.ModeFlash {
		blob, err = d.staging.Stage(ctx, req.FirmwareName, req.Firmware)
		if err != nil {
			return Result{}, err
		}
	}

	values := d.renderValues(probe, portSet, transport, blob)
	rendered, err := template.Render(tmpl, values)
	if err != nil {
		if blob != nil {
			_ = d.staging.Remove(blob)
		}
		return Result{}, proberr.Wrap(proberr.TemplateError, "render command", err)
	}

	lockHandle, err := d.locks.TryAcquire(probe.ID)
	if err != nil {
		if blob != nil {
			_ = d.staging.Remove(blob)
		}
		metrics.IncLockBusy(strconv.Itoa(probe.ID))
		return Result{}, proberr.Wrap(proberr.ProbeBusy, "probe busy", err)
	}

	containerDef, err := d.doc.ContainerFor(req.Target, iface)
	if err != nil {
		_ = lockHandle.Release()
		if blob != nil {
			_ = d.staging.Remove(blob)
		}
		return Result{}, proberr.Wrap(proberr.Internal, "resolve container", err)
	}
	containerName := containerDef.ContainerName(probe.ID)

	if err := d.runtime.EnsureRunning(ctx, containerName, containerDef.Image); err != nil {
		_ = lockHandle.Release()
		if blob != nil {
			_ = d.staging.Remove(blob)
		}
		return Result{}, err
	}

	switch req.Mode {
	case config.ModeFlash:
		return d.runFlash(ctx, containerName, rendered, lockHandle, blob)
	default:
		return d.runLongLived(ctx, target, probe, iface, req.Mode, containerName, rendered, portSet, lockHandle)
	}
}

func (d *Dispatcher) validate(ctx context.Context, req Request) (config.TargetDef, config.ProbeDef, config.Interface, error) {
	target, ok := d.doc.Targets[req.Target]
	if !ok {
		return config.TargetDef{}, config.ProbeDef{}, "", proberr.New(proberr.UnknownTarget, fmt.Sprintf("unknown target %q", req.Target))
	}
	probe, ok := d.doc.Probes[req.ProbeID]
	if !ok {
		return config.TargetDef{}, config.ProbeDef{}, "", proberr.New(proberr.UnknownProbe, fmt.Sprintf("unknown probe %d", req.ProbeID))
	}
	connected, err := d.inv.IsConnected(ctx, req.ProbeID)
	if err != nil {
		return config.TargetDef{}, config.ProbeDef{}, "", proberr.Wrap(proberr.Internal, "check probe connectivity", err)
	}
	if !connected {
		return config.TargetDef{}, config.ProbeDef{}, "", proberr.New(proberr.ProbeNotConnected, fmt.Sprintf("probe %d is not connected", req.ProbeID))
	}
	if !d.doc.Compatible(req.Target, probe.Interface, req.Mode) {
		return config.TargetDef{}, config.ProbeDef{}, "", proberr.New(proberr.IncompatibleProbe, fmt.Sprintf("interface %s is not compatible with target %s for mode %s", probe.Interface, req.Target, req.Mode))
	}
	return target, probe, probe.Interface, nil
}

// validateFirmwarePresence enforces the flash/firmware pairing rule after
// transport validation, so a request that's simultaneously missing
// firmware and using a disallowed transport reports InvalidTransport
// rather than InvalidRequest.
func validateFirmwarePresence(req Request) error {
	if req.Mode == config.ModeFlash && req.Firmware == nil {
		return proberr.New(proberr.InvalidRequest, "flash requires a firmware file")
	}
	if req.Mode != config.ModeFlash && req.Firmware != nil {
		return proberr.New(proberr.InvalidRequest, "only flash accepts a firmware file")
	}
	return nil
}

func (d *Dispatcher) renderValues(probe config.ProbeDef, p ports.Set, transport string, blob *staging.Blob) template.Values {
	v := template.Values{
		template.Serial:     probe.Serial,
		template.GDBPort:    strconv.Itoa(p.GDB),
		template.TelnetPort: strconv.Itoa(p.Telnet),
		template.RTTPort:    strconv.Itoa(p.RTT),
		template.PrintPort:  strconv.Itoa(p.Print),
		template.DevicePath: probe.DevicePath(),
		template.UARTBaud:   strconv.Itoa(probe.EffectiveUARTBaud()),
	}
	if transport != "" {
		v[template.Transport] = transport
	}
	if blob != nil {
		v[template.FirmwarePath] = blob.Path
	}
	return v
}

func (d *Dispatcher) runFlash(ctx context.Context, containerName, rendered string, lockHandle *lock.Handle, blob *staging.Blob) (Result, error) {
	defer func() {
		_ = lockHandle.Release()
		_ = d.staging.Remove(blob)
	}()

	res, err := d.runtime.Exec(ctx, containerName, []string{"sh", "-c", rendered})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: "aborted"}, proberr.Wrap(proberr.Internal, "flash aborted by session stop", ctx.Err())
		}
		return Result{Status: "error"}, err
	}
	d.logToolOutput(containerName, res.Stdout, res.Stderr)
	if res.ExitCode != 0 {
		return Result{Status: "error", ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Duration: res.Duration},
			proberr.New(proberr.ToolFailed, fmt.Sprintf("flash tool exited %d", res.ExitCode)).WithLog(res.Stdout + res.Stderr)
	}
	return Result{Status: "ok", ExitCode: res.ExitCode, Stdout: res.Stdout, Duration: res.Duration}, nil
}

// logToolOutput persists captured flash-tool output to rotated log files
// under d.logDir, named after the container it ran in. A disabled log dir
// (the default) makes this a no-op; the dispatcher never depends on the
// write succeeding.
func (d *Dispatcher) logToolOutput(name, stdout, stderr string) {
	if d.logDir == "" {
		return
	}
	outW, errW, err := logger.ToolOutputConfig{Dir: d.logDir}.Writers(name)
	if err != nil {
		return
	}
	if outW != nil {
		_, _ = outW.Write([]byte(stdout))
		_ = outW.Close()
	}
	if errW != nil {
		_, _ = errW.Write([]byte(stderr))
		_ = errW.Close()
	}
}

func (d *Dispatcher) runLongLived(ctx context.Context, target config.TargetDef, probe config.ProbeDef, iface config.Interface, mode config.Mode, containerName, rendered string, portSet ports.Set, lockHandle *lock.Handle) (Result, error) {
	handle, err := d.runtime.SpawnDetached(ctx, containerName, []string{"sh", "-c", rendered})
	if err != nil {
		_ = lockHandle.Release()
		return Result{}, err
	}

	sess := &session.Session{
		ProbeID:   probe.ID,
		Mode:      mode,
		Target:    target.Name,
		StartedAt: time.Now(),
		Ports:     portSet,
		Handle:    handle,
		Lock:      lockHandle,
	}
	d.table.Put(sess)
	metrics.SetSessionActive(strconv.Itoa(probe.ID), string(mode), true)

	sup := supervisor.New(context.Background(), sess, d.runtime, d.locks, d.table, KillBinaryFor[iface], nil, d.sink)
	go sup.Run()

	return Result{
		Status:     "started",
		GDBPort:    portSet.GDB,
		TelnetPort: portSet.Telnet,
		RTTPort:    portSet.RTT,
		PrintPort:  portSet.Print,
	}, nil
}

// StopSession implements /session/stop: cancel and wait for release on the
// session (or in-flight flash) matching kind for probeID. It acts on that
// one probe only; it does not call sessionset.StopAll.
func (d *Dispatcher) StopSession(ctx context.Context, probeID int, kind sessionset.Kind) ([]sessionset.Selected, error) {
	return sessionset.StopForProbe(ctx, d.table, d.locks, probeID, kind)
}
