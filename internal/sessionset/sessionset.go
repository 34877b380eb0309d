// Package sessionset implements the kind-filtered batch selection that
// POST /session/stop uses: pick every live session matching
// `debug | print | all` for a probe, cancel it, and wait for its lock to
// be released.
//
// StopAll applies the same stop to every probe with a live session or
// in-flight flash, continuing past individual failures and returning the
// first error — the same shape as a process group's batch-stop.
package sessionset

import (
	"context"

	"github.com/probehub/probehub/internal/config"
	"github.com/probehub/probehub/internal/session"
)

// Kind selects which session modes a stop request targets.
type Kind string

const (
	KindDebug Kind = "debug"
	KindPrint Kind = "print"
	KindAll   Kind = "all"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDebug, KindPrint, KindAll, "":
		return true
	}
	return false
}

func (k Kind) matches(mode config.Mode) bool {
	switch k {
	case KindAll, "":
		return true
	case KindDebug:
		return mode == config.ModeDebug
	case KindPrint:
		return mode == config.ModePrint
	}
	return false
}

// Selected names one session chosen for stop by its probe and mode.
type Selected struct {
	ProbeID int
	Mode    config.Mode
}

// StopForProbe stops the live session for probeID, or the in-flight flash
// dispatch against it, whichever matches kind — flash only ever matches
// kind "all" (or the default), since it has no debug/print mode of its
// own. It waits for the lock to fully release before returning. It
// returns the sessions it acted on; an empty, nil-error result means
// nothing for that probe matched kind.
func StopForProbe(ctx context.Context, table *session.Table, locks interface{ WaitReleased(int, func()) }, probeID int, kind Kind) ([]Selected, error) {
	if sess, ok := table.Get(probeID); ok && kind.matches(sess.Mode) {
		if sess.Cancel != nil {
			sess.Cancel()
		}
		waitReleased(ctx, locks, probeID)
		return []Selected{{ProbeID: sess.ProbeID, Mode: sess.Mode}}, nil
	}

	if fh, ok := table.GetFlash(probeID); ok && kind.matches(config.ModeFlash) {
		fh.Cancel()
		waitReleased(ctx, locks, probeID)
		return []Selected{{ProbeID: fh.ProbeID, Mode: config.ModeFlash}}, nil
	}

	return nil, nil
}

func waitReleased(ctx context.Context, locks interface{ WaitReleased(int, func()) }, probeID int) {
	locks.WaitReleased(probeID, func() {
		select {
		case <-ctx.Done():
		default:
		}
	})
}

// StopAll applies StopForProbe to every live session or in-flight flash
// dispatch matching kind, best-effort: every match is stopped even if an
// earlier one's wait returns an error, and the first error is what's
// returned.
func StopAll(ctx context.Context, table *session.Table, locks interface{ WaitReleased(int, func()) }, kind Kind) ([]Selected, error) {
	var out []Selected
	var firstErr error

	probeIDs := make(map[int]bool)
	for _, sess := range table.All() {
		probeIDs[sess.ProbeID] = true
	}
	for _, fh := range table.AllFlash() {
		probeIDs[fh.ProbeID] = true
	}

	for probeID := range probeIDs {
		sel, err := StopForProbe(ctx, table, locks, probeID, kind)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, sel...)
	}
	return out, firstErr
}
