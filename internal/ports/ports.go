// Package ports implements deterministic, stateless port allocation:
// port = base + probe id. No bookkeeping beyond the configured bases is
// needed, and two probes never collide as long as ids are unique and
// bases are spaced apart — the config layer's job, not this one.
package ports

import "github.com/probehub/probehub/internal/config"

// Set is the full allocation for one probe across every transport kind the
// command template placeholders can reference.
type Set struct {
	GDB    int
	Telnet int
	RTT    int
	Print  int
}

// Allocate computes the port set for probeID under cfg's configured bases.
func Allocate(cfg config.PortsConfig, probeID int) Set {
	return Set{
		GDB:    cfg.GDBBase + probeID,
		Telnet: cfg.TelnetBase + probeID,
		RTT:    cfg.RTTBase + probeID,
		Print:  cfg.PrintBase + probeID,
	}
}
