// Package supervisor implements the session state machine: for a live
// debug or print session it watches the spawned server's TCP listener for
// client presence, the server process itself for death, and drives
// NEW→AWAITING_CLIENT→ATTACHED→DRAINING→STOPPED. It keeps the probe lock
// held for the session's entire lifetime and releases it exactly once on
// the way to STOPPED.
//
// It is a context-cancelable goroutine that samples process state on a
// fixed interval instead of reacting to OS-level events, because neither
// client-socket nor container-process death delivers a Go channel
// notification on its own.
package supervisor

import (
	"context"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/probehub/probehub/internal/container"
	"github.com/probehub/probehub/internal/history"
	"github.com/probehub/probehub/internal/lock"
	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/session"
)

// TAttach is the attach grace period: how long a session waits in
// AWAITING_CLIENT before it's abandoned.
const TAttach = 60 * time.Second

// TTerm is how long SIGTERM is given before escalating to SIGKILL.
const TTerm = 5 * time.Second

// pollInterval is the presence-sampling cadence.
const pollInterval = 500 * time.Millisecond

// debounceSamples is the number of consecutive zero-client samples required
// before ATTACHED→DRAINING.
const debounceSamples = 2

// ClientCounter reports how many clients currently hold a TCP connection to
// port. The default implementation inspects the host's connection table via
// gopsutil; tests substitute a fake.
type ClientCounter interface {
	Count(ctx context.Context, port int) (int, error)
}

// hostConnCounter counts ESTABLISHED TCP connections whose local port is
// the session's primary port, using the host's connection table as a
// cross-check alongside the GDB/print server's own accept loop.
type hostConnCounter struct{}

func (hostConnCounter) Count(ctx context.Context, port int) (int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, c := range conns {
		if int(c.Laddr.Port) == port && c.Status == "ESTABLISHED" {
			count++
		}
	}
	return count, nil
}

// DefaultClientCounter is the gopsutil-backed counter used in production.
var DefaultClientCounter ClientCounter = hostConnCounter{}

// Supervisor drives one session's state machine.
type Supervisor struct {
	sess     *session.Session
	runtime  container.Runtime
	locks    *lock.Manager
	table    *session.Table
	counter  ClientCounter
	killBin  string
	sink     history.Sink
	ctx      context.Context
	cancel   context.CancelFunc
	released bool

	attachTimeout time.Duration
	termTimeout   time.Duration
	poll          time.Duration
}

// New starts no goroutine yet; call Run in its own goroutine once the
// caller has finished wiring sess into the table. A nil sink disables the
// best-effort terminal-transition audit event.
func New(parent context.Context, sess *session.Session, runtime container.Runtime, locks *lock.Manager, table *session.Table, killBin string, counter ClientCounter, sink history.Sink) *Supervisor {
	if counter == nil {
		counter = DefaultClientCounter
	}
	if sink == nil {
		sink = history.NopSink{}
	}
	ctx, cancel := context.WithCancel(parent)
	sup := &Supervisor{
		sess: sess, runtime: runtime, locks: locks, table: table,
		counter: counter, killBin: killBin, sink: sink, ctx: ctx, cancel: cancel,
		attachTimeout: TAttach, termTimeout: TTerm, poll: pollInterval,
	}
	sess.Cancel = sup.Stop
	return sup
}

// Stop requests cooperative cancellation; safe to call more than once and
// from any goroutine (e.g. /session/stop racing a natural attach-timeout).
func (s *Supervisor) Stop() {
	s.cancel()
}

// Run is the state machine's polling loop. It returns once the session has
// reached STOPPED and the lock has been released.
func (s *Supervisor) Run() {
	defer s.finish(session.ReasonServerExited)

	deadline := time.Now().Add(s.attachTimeout)
	zeroStreak := 0

	for {
		select {
		case <-s.ctx.Done():
			s.terminate(session.ReasonForced)
			return
		default:
		}

		if s.sess.Handle != nil && !s.sess.Handle.Alive(s.ctx) {
			return // deferred finish reports server_exited
		}

		count, err := s.counter.Count(s.ctx, s.primaryPort())
		if err != nil {
			count = 0
		}

		switch s.sess.State() {
		case session.StateAwaitingClient:
			if count >= 1 {
				s.transition(session.StateAttached, session.ReasonNone)
				zeroStreak = 0
			} else if time.Now().After(deadline) {
				s.terminate(session.ReasonAttachTimeout)
				return
			}
		case session.StateAttached:
			if count == 0 {
				zeroStreak++
				if zeroStreak >= debounceSamples {
					s.transition(session.StateDraining, session.ReasonNone)
					s.terminate(session.ReasonServerExited)
					return
				}
			} else {
				zeroStreak = 0
			}
		}

		select {
		case <-s.ctx.Done():
			s.terminate(session.ReasonForced)
			return
		case <-time.After(s.poll):
		}
	}
}

// transition moves the session's state forward and records the transition
// metric; STOPPED additionally records the stop reason and clears the
// active-session gauge.
func (s *Supervisor) transition(st session.State, reason session.StopReason) {
	from := s.sess.State()
	s.sess.Transition(st, reason)
	probeID := strconv.Itoa(s.sess.ProbeID)
	metrics.RecordSessionTransition(probeID, string(from), string(st))
	if st == session.StateStopped {
		metrics.IncSessionStopped(string(reason))
		metrics.SetSessionActive(probeID, string(s.sess.Mode), false)
		_ = s.sink.Send(context.Background(), history.Event{
			Type: history.EventSessionStopped, OccurredAt: time.Now(),
			ProbeID: s.sess.ProbeID, Target: s.sess.Target, Mode: string(s.sess.Mode),
			Status: string(reason),
		})
	}
}

func (s *Supervisor) primaryPort() int {
	if s.sess.Mode == "print" {
		return s.sess.Ports.Print
	}
	return s.sess.Ports.GDB
}

// terminate sends SIGTERM, waits TTerm, escalates to SIGKILL, then
// exec-kills any residual named binary inside the container.
func (s *Supervisor) terminate(reason session.StopReason) {
	s.transition(session.StateDraining, session.ReasonNone)

	if s.sess.Handle != nil {
		_ = s.sess.Handle.Kill(context.Background(), "TERM")
		if !s.waitUntilDead(s.termTimeout) {
			_ = s.sess.Handle.Kill(context.Background(), "KILL")
		}
	}
	if s.killBin != "" && s.sess.Handle != nil {
		_ = s.runtime.KillNamed(context.Background(), s.sess.Handle.ContainerName, s.killBin)
	}
	s.transition(session.StateStopped, reason)
}

// waitUntilDead polls Handle.Alive until it reports false or budget elapses,
// reporting whether the process died within budget.
func (s *Supervisor) waitUntilDead(budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	waitCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	for time.Now().Before(deadline) {
		if !s.sess.Handle.Alive(waitCtx) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !s.sess.Handle.Alive(waitCtx)
}

func (s *Supervisor) finish(fallbackReason session.StopReason) {
	if s.sess.State() != session.StateStopped {
		s.transition(session.StateStopped, fallbackReason)
	}
	s.releaseOnce()
	s.table.Remove(s.sess.ProbeID)
}

// releaseOnce releases the probe lock exactly once, even if Run returns via
// multiple paths.
func (s *Supervisor) releaseOnce() {
	if s.released {
		return
	}
	s.released = true
	if s.sess.Lock != nil {
		_ = s.sess.Lock.Release()
	}
}

// SetTimings overrides the attach-timeout/term-timeout/poll cadence from
// their production defaults; used by tests to exercise the state machine
// without waiting real minutes.
func (s *Supervisor) SetTimings(attach, term, poll time.Duration) {
	s.attachTimeout, s.termTimeout, s.poll = attach, term, poll
}
