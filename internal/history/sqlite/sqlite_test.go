package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/probehub/probehub/internal/history"
)

func TestNew_EmptyDSNFails(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestNew_StripsSqliteScheme(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()
}

func TestSend_InsertsRow(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()

	err = sink.Send(context.Background(), history.Event{
		Type:       history.EventDispatchStarted,
		OccurredAt: time.Now(),
		ProbeID:    1,
		Target:     "nrf52840",
		Mode:       "debug",
		Status:     "started",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var count int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM dispatch_history`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestClose_NilDBIsNoop(t *testing.T) {
	s := &Sink{}
	if err := s.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
