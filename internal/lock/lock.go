// Package lock implements probe-level mutual exclusion: a non-blocking
// advisory exclusive OS file lock keyed by probe id, whose handle's
// lifetime is tied to the owning task rather than to the lock file's
// existence. mongoose-os-mos ties a similar flock.Flock to a build-context
// mutex (fwbuild/instance/fwbuild.go); this package uses gofrs/flock the
// same way, but with TryLock instead of a blocking Lock, since a busy
// probe must be refused immediately, never queued.
package lock

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ErrBusy is returned by TryAcquire when another holder already has the lock.
var ErrBusy = fmt.Errorf("probe busy")

// Manager issues per-probe lock handles rooted at a base directory
// (defaults to /var/lock; overridable for tests).
type Manager struct {
	dir string

	mu   sync.Mutex
	held map[int]*Handle // bookkeeping only, for IsHeld queries
}

// NewManager creates a Manager rooted at dir. An empty dir defaults to
// /var/lock, holding per-probe lock files at /var/lock/probe_<id>.lock.
func NewManager(dir string) *Manager {
	if dir == "" {
		dir = "/var/lock"
	}
	return &Manager{dir: dir, held: make(map[int]*Handle)}
}

func (m *Manager) path(probeID int) string {
	return filepath.Join(m.dir, fmt.Sprintf("probe_%d.lock", probeID))
}

// Handle is a held lock. It must be released exactly once, by whichever
// task currently owns the probe — the dispatcher for flash, the supervisor
// for debug/print (the handle is transferred to the supervisor once a
// long-lived session starts).
type Handle struct {
	probeID int
	fl      *flock.Flock
	mgr     *Manager

	mu       sync.Mutex
	released bool
}

// TryAcquire attempts to take the lock for probeID without blocking. It
// returns ErrBusy if another holder already has it: a busy probe is
// refused immediately, never waited on.
func (m *Manager) TryAcquire(probeID int) (*Handle, error) {
	fl := flock.New(m.path(probeID))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("try-lock probe %d: %w", probeID, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	h := &Handle{probeID: probeID, fl: fl, mgr: m}
	m.mu.Lock()
	m.held[probeID] = h
	m.mu.Unlock()
	return h, nil
}

// Release unlocks the handle. Safe to call more than once; only the first
// call has any effect, so cooperative-cancellation paths that race a
// normal completion never double-unlock the underlying fd.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.mgr.mu.Lock()
	delete(h.mgr.held, h.probeID)
	h.mgr.mu.Unlock()
	return h.fl.Unlock()
}

// IsHeld reports whether probeID currently has an in-process holder. It
// does not by itself prove mutual exclusion across processes — the flock
// call does that — it only lets the dispatcher answer "is this probe busy"
// for status endpoints without attempting (and immediately releasing) a
// lock of its own.
func (m *Manager) IsHeld(probeID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[probeID]
	return ok
}

// WaitReleased blocks the caller's goroutine, calling poll between checks,
// until probeID has no in-process holder; poll sets the pace of the loop. Used by /session/stop so a stop is ordered strictly
// before the next dispatch on that probe.
func (m *Manager) WaitReleased(probeID int, poll func()) {
	for m.IsHeld(probeID) {
		poll()
	}
}
