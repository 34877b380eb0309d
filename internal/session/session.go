// Package session holds the in-memory session table: the only
// mutable shared state beyond the immutable config, keyed by probe id and
// guarded by a short-critical-section mutex. The dispatcher creates
// entries, the supervisor owns their state transitions, and
// /session/stop (via sessionset) selects entries by kind to tear down.
package session

import (
	"sync"
	"time"

	"github.com/probehub/probehub/internal/config"
	"github.com/probehub/probehub/internal/container"
	"github.com/probehub/probehub/internal/lock"
	"github.com/probehub/probehub/internal/ports"
)

// State is one point in the supervisor's session state machine.
type State string

const (
	StateNew            State = "NEW"
	StateAwaitingClient State = "AWAITING_CLIENT"
	StateAttached       State = "ATTACHED"
	StateDraining       State = "DRAINING"
	StateStopped        State = "STOPPED"
)

// StopReason records why a session reached STOPPED, surfaced on the next
// /status for that probe.
type StopReason string

const (
	ReasonNone          StopReason = ""
	ReasonServerExited  StopReason = "server_exited"
	ReasonAttachTimeout StopReason = "attach_timeout"
	ReasonForced        StopReason = "forced"
)

// Session is a live debug or print invocation: one probe lock, one
// container handle, one port set, one state machine instance.
type Session struct {
	ProbeID   int
	Mode      config.Mode
	Target    string
	StartedAt time.Time
	Ports     ports.Set

	mu     sync.Mutex
	state  State
	reason StopReason

	Handle *container.Handle
	Lock   *lock.Handle

	// Cancel stops the supervisor task watching this session; cooperative,
	// called at most once.
	Cancel func()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) Reason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// FlashHandle tracks an in-flight flash dispatch: flash runs to completion
// synchronously and never gets a Session entry of its own, but it still
// needs to be abortable mid-upload or mid-exec via /session/stop.
type FlashHandle struct {
	ProbeID int
	Cancel  func()
}

// Table is the process-wide session registry, one entry per probe with a
// live debug/print session, plus a parallel registry of in-flight flash
// dispatches.
type Table struct {
	mu      sync.Mutex
	byProbe map[int]*Session
	flash   map[int]*FlashHandle
}

func NewTable() *Table {
	return &Table{byProbe: make(map[int]*Session), flash: make(map[int]*FlashHandle)}
}

// Put registers a new session for probeID, created by the dispatcher once
// the lock is held and the server is spawned.
func (t *Table) Put(s *Session) {
	s.setState(StateAwaitingClient)
	t.mu.Lock()
	t.byProbe[s.ProbeID] = s
	t.mu.Unlock()
}

// Get returns the live session for probeID, if any.
func (t *Table) Get(probeID int) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byProbe[probeID]
	return s, ok
}

// Remove drops probeID's entry, called once the supervisor reaches STOPPED.
func (t *Table) Remove(probeID int) {
	t.mu.Lock()
	delete(t.byProbe, probeID)
	t.mu.Unlock()
}

// PutFlash registers cancel as the way to abort the flash dispatch
// currently running against probeID.
func (t *Table) PutFlash(probeID int, cancel func()) {
	t.mu.Lock()
	t.flash[probeID] = &FlashHandle{ProbeID: probeID, Cancel: cancel}
	t.mu.Unlock()
}

// RemoveFlash drops probeID's in-flight flash entry, called once the
// dispatch returns (successfully, with an error, or aborted).
func (t *Table) RemoveFlash(probeID int) {
	t.mu.Lock()
	delete(t.flash, probeID)
	t.mu.Unlock()
}

// GetFlash returns the in-flight flash handle for probeID, if any.
func (t *Table) GetFlash(probeID int) (*FlashHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fh, ok := t.flash[probeID]
	return fh, ok
}

// AllFlash returns a snapshot of every in-flight flash dispatch, used by
// sessionset.StopAll to stop across every probe.
func (t *Table) AllFlash() []*FlashHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FlashHandle, 0, len(t.flash))
	for _, fh := range t.flash {
		out = append(out, fh)
	}
	return out
}

// All returns a snapshot of every live session, used by
// sessionset.StopAll to stop across every probe.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byProbe))
	for _, s := range t.byProbe {
		out = append(out, s)
	}
	return out
}

// Transition moves the session to st, recording reason if st is STOPPED.
// The supervisor is the only caller for ATTACHED/DRAINING/STOPPED
// transitions; it's exported so the supervisor package (which depends on
// session, not the other way around) can drive it.
func (s *Session) Transition(st State, reason StopReason) {
	s.mu.Lock()
	s.state = st
	if st == StateStopped {
		s.reason = reason
	}
	s.mu.Unlock()
}
