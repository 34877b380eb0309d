package history

import (
	"context"
	"testing"
)

func TestNopSink_DiscardsEverything(t *testing.T) {
	var s NopSink
	if err := s.Send(context.Background(), Event{Type: EventDispatchStarted}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
