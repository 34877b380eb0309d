package sessionset

import (
	"context"
	"testing"
	"time"

	"github.com/probehub/probehub/internal/config"
	"github.com/probehub/probehub/internal/session"
)

type fakeLocks struct {
	released map[int]bool
	waited   []int
}

func (f *fakeLocks) WaitReleased(probeID int, poll func()) {
	f.waited = append(f.waited, probeID)
	for !f.released[probeID] {
		poll()
		time.Sleep(time.Millisecond)
	}
}

func TestStopForProbe_CancelsMatchingSessionAndWaits(t *testing.T) {
	table := session.NewTable()
	canceled := false
	sess := &session.Session{ProbeID: 1, Mode: config.ModeDebug, Cancel: func() { canceled = true }}
	table.Put(sess)

	locks := &fakeLocks{released: map[int]bool{1: true}}
	sel, err := StopForProbe(context.Background(), table, locks, 1, KindDebug)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(sel) != 1 || sel[0].ProbeID != 1 {
		t.Fatalf("expected one selected session, got %+v", sel)
	}
	if !canceled {
		t.Fatal("expected session cancel to be invoked")
	}
	if len(locks.waited) != 1 || locks.waited[0] != 1 {
		t.Fatalf("expected WaitReleased(1) to be called, got %v", locks.waited)
	}
}

func TestStopForProbe_KindMismatchIsNoop(t *testing.T) {
	table := session.NewTable()
	sess := &session.Session{ProbeID: 1, Mode: config.ModePrint, Cancel: func() {}}
	table.Put(sess)

	locks := &fakeLocks{released: map[int]bool{1: true}}
	sel, err := StopForProbe(context.Background(), table, locks, 1, KindDebug)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(sel) != 0 {
		t.Fatalf("expected no match, got %+v", sel)
	}
	if len(locks.waited) != 0 {
		t.Fatal("expected no wait for a non-matching kind")
	}
}

func TestStopForProbe_NoSessionIsNoop(t *testing.T) {
	table := session.NewTable()
	locks := &fakeLocks{released: map[int]bool{}}
	sel, err := StopForProbe(context.Background(), table, locks, 9, KindAll)
	if err != nil || len(sel) != 0 {
		t.Fatalf("expected no-op for missing session, got sel=%v err=%v", sel, err)
	}
}

func TestStopForProbe_CancelsInFlightFlash(t *testing.T) {
	table := session.NewTable()
	canceled := false
	table.PutFlash(1, func() { canceled = true })

	locks := &fakeLocks{released: map[int]bool{1: true}}
	sel, err := StopForProbe(context.Background(), table, locks, 1, KindAll)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(sel) != 1 || sel[0].ProbeID != 1 || sel[0].Mode != config.ModeFlash {
		t.Fatalf("expected flash selected, got %+v", sel)
	}
	if !canceled {
		t.Fatal("expected flash cancel to be invoked")
	}
}

func TestStopForProbe_FlashNotMatchedByDebugKind(t *testing.T) {
	table := session.NewTable()
	table.PutFlash(1, func() {})

	locks := &fakeLocks{released: map[int]bool{}}
	sel, err := StopForProbe(context.Background(), table, locks, 1, KindDebug)
	if err != nil || len(sel) != 0 {
		t.Fatalf("expected no-op for flash under kind=debug, got sel=%v err=%v", sel, err)
	}
}

func TestStopAll_IncludesInFlightFlash(t *testing.T) {
	table := session.NewTable()
	table.Put(&session.Session{ProbeID: 1, Mode: config.ModeDebug, Cancel: func() {}})
	flashCanceled := false
	table.PutFlash(2, func() { flashCanceled = true })

	locks := &fakeLocks{released: map[int]bool{1: true, 2: true}}
	sel, err := StopAll(context.Background(), table, locks, KindAll)
	if err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if len(sel) != 2 {
		t.Fatalf("expected both probe's sessions selected, got %+v", sel)
	}
	if !flashCanceled {
		t.Fatal("expected in-flight flash to be canceled")
	}
}

func TestStopAll_StopsOnlyMatchingKind(t *testing.T) {
	table := session.NewTable()
	table.Put(&session.Session{ProbeID: 1, Mode: config.ModeDebug, Cancel: func() {}})
	table.Put(&session.Session{ProbeID: 2, Mode: config.ModePrint, Cancel: func() {}})

	locks := &fakeLocks{released: map[int]bool{1: true, 2: true}}
	sel, err := StopAll(context.Background(), table, locks, KindDebug)
	if err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if len(sel) != 1 || sel[0].ProbeID != 1 {
		t.Fatalf("expected only probe 1 selected, got %+v", sel)
	}
}
