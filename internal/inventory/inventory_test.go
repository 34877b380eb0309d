package inventory

import (
	"context"
	"testing"

	"github.com/probehub/probehub/internal/config"
)

type fakeSource struct {
	devices []Device
}

func (f fakeSource) Enumerate(context.Context) ([]Device, error) { return f.devices, nil }

func testDoc() *config.Document {
	doc := &config.Document{
		ProbeList: []config.ProbeDef{
			{ID: 1, Name: "bench1", Serial: "S1", VID: "0x1366", PID: "0101", Interface: config.InterfaceJLink},
			{ID: 2, Name: "bench2-uart", VID: "1A86", PID: "7523", Interface: config.InterfaceUSBUART},
		},
	}
	doc.ProbeList[0].VID = "0x1366"
	return doc
}

func TestStatus_SerialMatch(t *testing.T) {
	inv := New(testDoc(), fakeSource{devices: []Device{{VID: "1366", PID: "0101", Serial: "S1"}}})
	statuses, err := inv.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !statuses[0].Connected || statuses[0].Match != MatchSerial {
		t.Fatalf("expected serial match for probe 1, got %+v", statuses[0])
	}
}

func TestStatus_VIDPIDFallbackWhenNoSerial(t *testing.T) {
	inv := New(testDoc(), fakeSource{devices: []Device{{VID: "1a86", PID: "7523", Serial: ""}}})
	statuses, err := inv.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !statuses[1].Connected || statuses[1].Match != MatchVIDPID {
		t.Fatalf("expected vid/pid match for probe 2, got %+v", statuses[1])
	}
}

func TestStatus_NotConnected(t *testing.T) {
	inv := New(testDoc(), fakeSource{devices: nil})
	statuses, err := inv.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, s := range statuses {
		if s.Connected || s.Match != MatchNone {
			t.Fatalf("expected no match, got %+v", s)
		}
	}
}

func TestSearch_ANDCombined(t *testing.T) {
	inv := New(testDoc(), fakeSource{})
	got := inv.Search(SearchFilter{Interface: "jlink", Name: "bench"})
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected single jlink/bench match, got %+v", got)
	}

	got = inv.Search(SearchFilter{VID: "0X1366"})
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected case-insensitive vid match, got %+v", got)
	}

	got = inv.Search(SearchFilter{Interface: "jlink", Name: "nonexistent"})
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
}
