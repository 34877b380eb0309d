// Package inventory implements the probe inventory: it
// enumerates attached USB devices and joins them with the configured probe
// catalog by serial number, falling back to VID+PID when serial is absent
// (the probe has no configured serial, or the device reports none), to
// answer "which configured probes are physically connected right now."
//
// The enumeration strategy is grounded on mongoose-os-mos's
// mos/flash/common/usb.go, which opens gousb devices filtered by VID/PID
// and then disambiguates by serial number; this package generalizes that
// one-shot "open a device" helper into a "list everything, then join"
// inventory pass.
package inventory

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/gousb"

	"github.com/probehub/probehub/internal/config"
	"github.com/probehub/probehub/internal/metrics"
)

// Device is one attached USB device as observed on the host bus.
type Device struct {
	VID    string // lowercase hex, no 0x
	PID    string // lowercase hex, no 0x
	Serial string
}

// Source enumerates attached USB devices. The real implementation talks to
// libusb via gousb; tests substitute a Fake.
type Source interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// USBSource is the real Source, backed by gousb.
type USBSource struct{}

func (USBSource) Enumerate(_ context.Context) ([]Device, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()

	var devices []Device
	devs, err := uctx.OpenDevices(func(*gousb.DeviceDesc) bool { return true })
	// OpenDevices can fail overall but still return usable results; only
	// bail out if nothing came back at all (mirrors mos's OpenUSBDevice).
	if err != nil && len(devs) == 0 {
		return nil, err
	}
	for _, d := range devs {
		desc := d.Desc
		serial, _ := d.SerialNumber()
		devices = append(devices, Device{
			VID:    strings.ToLower(desc.Vendor.String()),
			PID:    strings.ToLower(desc.Product.String()),
			Serial: serial,
		})
		d.Close()
	}
	return devices, nil
}

// MatchKind describes how a configured probe was (or wasn't) joined to an
// observed device.
type MatchKind string

const (
	MatchSerial    MatchKind = "serial"
	MatchVIDPID    MatchKind = "vid_pid"
	MatchNone      MatchKind = "none"
)

// Status is the per-configured-probe record §4.2 and the /status endpoint require.
type Status struct {
	ID             int
	Name           string
	Connected      bool
	ObservedSerial string
	ExpectedSerial string
	Match          MatchKind
}

// Inventory joins a config.Document's probe catalog against a live Source.
type Inventory struct {
	doc    *config.Document
	source Source
}

func New(doc *config.Document, source Source) *Inventory {
	return &Inventory{doc: doc, source: source}
}

// Status enumerates the bus once and returns a status record for every
// configured probe, in catalog order.
func (inv *Inventory) Status(ctx context.Context) ([]Status, error) {
	devices, err := inv.source.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(inv.doc.ProbeList))
	for _, p := range inv.doc.ProbeList {
		st := Status{ID: p.ID, Name: p.Name, ExpectedSerial: p.Serial}
		vid, pid := p.NormalizedVIDPID()

		if p.Serial != "" {
			for _, d := range devices {
				if d.Serial == p.Serial {
					st.Connected = true
					st.ObservedSerial = d.Serial
					st.Match = MatchSerial
					break
				}
			}
		}
		if !st.Connected {
			for _, d := range devices {
				if vid != "" && pid != "" && d.VID == vid && d.PID == pid && (p.Serial == "" || d.Serial == "") {
					st.Connected = true
					st.ObservedSerial = d.Serial
					st.Match = MatchVIDPID
					break
				}
			}
		}
		if !st.Connected {
			st.Match = MatchNone
		}
		metrics.SetProbeConnected(strconv.Itoa(p.ID), st.Connected)
		out = append(out, st)
	}
	return out, nil
}

// IsConnected is a convenience lookup the dispatcher uses for validation
// step 2.
func (inv *Inventory) IsConnected(ctx context.Context, probeID int) (bool, error) {
	statuses, err := inv.Status(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range statuses {
		if s.ID == probeID {
			return s.Connected, nil
		}
	}
	return false, nil
}

// SearchFilter holds the AND-combined /probes/search query parameters.
type SearchFilter struct {
	Interface string
	VID       string
	PID       string
	Serial    string
	Name      string // case-insensitive substring
}

func (f SearchFilter) empty() bool {
	return f.Interface == "" && f.VID == "" && f.PID == "" && f.Serial == "" && f.Name == ""
}

// Search applies an AND-combined filter over the configured probe catalog.
func (inv *Inventory) Search(f SearchFilter) []config.ProbeDef {
	var out []config.ProbeDef
	for _, p := range inv.doc.ProbeList {
		if !matches(p, f) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func matches(p config.ProbeDef, f SearchFilter) bool {
	if f.Interface != "" && string(p.Interface) != f.Interface {
		return false
	}
	if f.VID != "" {
		vid, _ := p.NormalizedVIDPID()
		if vid != normalizeQueryHex(f.VID) {
			return false
		}
	}
	if f.PID != "" {
		_, pid := p.NormalizedVIDPID()
		if pid != normalizeQueryHex(f.PID) {
			return false
		}
	}
	if f.Serial != "" && p.Serial != f.Serial {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.Name)) {
		return false
	}
	return true
}

func normalizeQueryHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "0x")
}
