package ports

import (
	"testing"

	"github.com/probehub/probehub/internal/config"
)

func TestAllocate(t *testing.T) {
	cfg := config.PortsConfig{GDBBase: 3330, TelnetBase: 4330, RTTBase: 5330, PrintBase: 6330}

	got := Allocate(cfg, 1)
	want := Set{GDB: 3331, Telnet: 4331, RTT: 5331, Print: 6331}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	a := Allocate(cfg, 1)
	b := Allocate(cfg, 2)
	if a.GDB == b.GDB {
		t.Fatal("expected distinct ports for distinct probe ids")
	}
}
