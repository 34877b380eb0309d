// Package config loads and validates the declarative hardware/target
// catalog that drives every dispatch decision: which containers exist,
// which probes are wired up, which targets accept which probe interfaces
// for which modes, and which command template to render. The document is
// parsed once with viper and is immutable thereafter — re-reading it
// requires a process restart, matching the Probe catalog's lifecycle.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Interface is the hardware protocol class of a probe, independent of the
// vendor tool used to talk to it.
type Interface string

const (
	InterfaceJLink       Interface = "jlink"
	InterfaceCMSISDAP    Interface = "cmsis-dap"
	InterfaceWCHLink     Interface = "wch-link"
	InterfaceUSBUART     Interface = "usb-uart"
	InterfaceESPUSBJTAG  Interface = "esp-usb-jtag"
	InterfaceRP2040Boot  Interface = "rp2040-bootsel"
)

// Mode is one of the three kinds of work a dispatch can request.
type Mode string

const (
	ModeFlash Mode = "flash"
	ModeDebug Mode = "debug"
	ModePrint Mode = "print"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeFlash, ModeDebug, ModePrint:
		return true
	}
	return false
}

// ContainerDef is a toolchain container descriptor: one image serves many
// probes, one live container serves exactly one probe, named
// "<Base>-p<probeId>".
type ContainerDef struct {
	Name        string `mapstructure:"name"`
	Image       string `mapstructure:"image"`
	BuildContext string `mapstructure:"build_context"`
}

// ContainerName renders the runtime container name for a given probe id.
func (c ContainerDef) ContainerName(probeID int) string {
	return fmt.Sprintf("%s-p%d", c.Name, probeID)
}

// ProbeDef is a physical adapter entry from the catalog. Double-tagged with
// mapstructure (TOML load) and json (served verbatim by GET /probes and
// GET /probes/search).
type ProbeDef struct {
	ID                 int       `mapstructure:"id" json:"id"`
	Name               string    `mapstructure:"name" json:"name"`
	Serial             string    `mapstructure:"serial" json:"serial,omitempty"`
	VID                string    `mapstructure:"vid" json:"vid,omitempty"`
	PID                string    `mapstructure:"pid" json:"pid,omitempty"`
	Interface          Interface `mapstructure:"interface" json:"interface"`
	DeviceNodeOverride string    `mapstructure:"device_node" json:"device_node,omitempty"`
	UARTBaud           int       `mapstructure:"uart_baud" json:"uart_baud,omitempty"`
}

const defaultUARTBaud = 115200

// EffectiveUARTBaud returns the configured baud rate, or the common
// default when unset.
func (p ProbeDef) EffectiveUARTBaud() int {
	if p.UARTBaud > 0 {
		return p.UARTBaud
	}
	return defaultUARTBaud
}

// DevicePath is the stable device symlink the external udev collaborator
// establishes for this probe, unless the catalog overrides it explicitly.
func (p ProbeDef) DevicePath() string {
	if p.DeviceNodeOverride != "" {
		return p.DeviceNodeOverride
	}
	if p.Interface == InterfaceUSBUART {
		return fmt.Sprintf("/dev/probes/tty_probe_%d", p.ID)
	}
	return fmt.Sprintf("/dev/probes/probe_%d", p.ID)
}

// NormalizedVIDPID returns VID/PID lowercased and without a leading "0x",
// so hex case never affects matching.
func (p ProbeDef) NormalizedVIDPID() (vid, pid string) {
	return normalizeHex(p.VID), normalizeHex(p.PID)
}

// WCHLinkMode is the hardware mode a WCH-Link adapter is currently
// switched to; the adapter exposes a different USB PID per mode.
type WCHLinkMode string

const (
	WCHLinkModeRISCV WCHLinkMode = "riscv"
	WCHLinkModeARM   WCHLinkMode = "arm"
)

const (
	wchLinkPIDRISCV = "8010"
	wchLinkPIDARM   = "8012"
)

// WCHLinkMode infers a wch-link probe's hardware mode from its configured
// PID. Non-wch-link probes and unrecognized PIDs report ok=false.
func (p ProbeDef) WCHLinkMode() (mode WCHLinkMode, ok bool) {
	if p.Interface != InterfaceWCHLink {
		return "", false
	}
	_, pid := p.NormalizedVIDPID()
	switch pid {
	case wchLinkPIDRISCV:
		return WCHLinkModeRISCV, true
	case wchLinkPIDARM:
		return WCHLinkModeARM, true
	}
	return "", false
}

func normalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	return s
}

// TransportPolicy is the per-interface allowed/default transport set.
type TransportPolicy struct {
	Default string   `mapstructure:"default"`
	Allowed []string `mapstructure:"allowed"`
}

func (t TransportPolicy) isAllowed(transport string) bool {
	for _, a := range t.Allowed {
		if a == transport {
			return true
		}
	}
	return false
}

// TargetDef is a named MCU family.
type TargetDef struct {
	Name        string                       `mapstructure:"name"`
	Description string                       `mapstructure:"description"`
	Container   string                       `mapstructure:"container"`
	ContainerByInterface map[Interface]string `mapstructure:"container_by_interface"`
	CompatibleProbes     map[Mode][]Interface `mapstructure:"compatible_probes"`
	Transports           map[Interface]TransportPolicy `mapstructure:"transports"`
	// Commands[interface][mode] = template string, target-local override.
	Commands map[Interface]map[Mode]string `mapstructure:"commands"`
}

// containerFor resolves which container serves this target for a given interface.
func (t TargetDef) containerFor(iface Interface) (string, bool) {
	if c, ok := t.ContainerByInterface[iface]; ok && c != "" {
		return c, true
	}
	if t.Container != "" {
		return t.Container, true
	}
	return "", false
}

// compatible reports whether iface is listed for mode.
func (t TargetDef) compatible(iface Interface, mode Mode) bool {
	for _, i := range t.CompatibleProbes[mode] {
		if i == iface {
			return true
		}
	}
	return false
}

// InterfaceDefault provides fallback command templates per (interface, mode)
// when a target has no local override.
type InterfaceDefault struct {
	Commands map[Mode]string `mapstructure:"commands"`
}

// PortsConfig gives the base port for each allocated port kind; the
// effective port is base + probeID.
type PortsConfig struct {
	GDBBase     int `mapstructure:"gdb_base"`
	TelnetBase  int `mapstructure:"telnet_base"`
	RTTBase     int `mapstructure:"rtt_base"`
	PrintBase   int `mapstructure:"print_base"`
}

const defaultGDBBase = 3330

// Document is the parsed, validated, immutable top-level catalog.
type Document struct {
	Containers        map[string]ContainerDef      `mapstructure:"containers"`
	Probes            map[int]ProbeDef             `mapstructure:"-"`
	ProbeList         []ProbeDef                   `mapstructure:"probes"`
	Targets           map[string]TargetDef         `mapstructure:"-"`
	TargetList        []TargetDef                  `mapstructure:"targets"`
	InterfaceDefaults map[Interface]InterfaceDefault `mapstructure:"interface_defaults"`
	Ports             PortsConfig                  `mapstructure:"ports"`
}

// Load reads a single TOML document at path and validates it.
func Load(path string) (*Document, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	doc.index()
	if doc.Ports.GDBBase == 0 {
		doc.Ports.GDBBase = defaultGDBBase
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) index() {
	d.Probes = make(map[int]ProbeDef, len(d.ProbeList))
	for _, p := range d.ProbeList {
		d.Probes[p.ID] = p
	}
	d.Targets = make(map[string]TargetDef, len(d.TargetList))
	for _, t := range d.TargetList {
		d.Targets[t.Name] = t
	}
}

// validate rejects malformed documents: duplicate probe ids, malformed
// VID/PID, default transports outside their allowed list, interfaces
// referencing undeclared containers, targets naming interfaces with no
// command template, and probes whose interface no target uses. Target
// names are not checked for duplicates.
func (d *Document) validate() error {
	seen := make(map[int]bool, len(d.ProbeList))
	interfacesInUse := make(map[Interface]bool)
	for _, p := range d.ProbeList {
		if seen[p.ID] {
			return fmt.Errorf("duplicate probe id %d", p.ID)
		}
		seen[p.ID] = true
		if _, _, err := parseHexOrEmpty(p.VID); err != nil {
			return fmt.Errorf("probe %d: malformed vid %q: %w", p.ID, p.VID, err)
		}
		if _, _, err := parseHexOrEmpty(p.PID); err != nil {
			return fmt.Errorf("probe %d: malformed pid %q: %w", p.ID, p.PID, err)
		}
	}

	for _, t := range d.TargetList {
		for iface, policy := range t.Transports {
			if policy.Default != "" && !policy.isAllowed(policy.Default) {
				return fmt.Errorf("target %s: interface %s: default transport %q not in allowed list", t.Name, iface, policy.Default)
			}
		}
		for mode, ifaces := range t.CompatibleProbes {
			if !mode.Valid() {
				return fmt.Errorf("target %s: unknown mode %q in compatible_probes", t.Name, mode)
			}
			for _, iface := range ifaces {
				interfacesInUse[iface] = true
				containerName, ok := t.containerFor(iface)
				if !ok {
					return fmt.Errorf("target %s: interface %s has no container", t.Name, iface)
				}
				if _, ok := d.Containers[containerName]; !ok {
					return fmt.Errorf("target %s: interface %s references undefined container %q", t.Name, iface, containerName)
				}
				if _, err := d.resolveTemplate(t, iface, mode); err != nil {
					return fmt.Errorf("target %s: interface %s mode %s: %w", t.Name, iface, mode, err)
				}
			}
		}
	}

	for _, p := range d.ProbeList {
		if !interfacesInUse[p.Interface] {
			return fmt.Errorf("probe %d: interface %s is not compatible with any target/mode (dead config)", p.ID, p.Interface)
		}
	}

	return nil
}

func parseHexOrEmpty(s string) (string, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false, nil
	}
	s = normalizeHex(s)
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", false, fmt.Errorf("not hexadecimal")
		}
	}
	return s, true, nil
}

// Resolve returns the effective command template for (target, interface,
// mode), applying the target-local override before the interface_defaults
// fallback.
func (d *Document) Resolve(target string, iface Interface, mode Mode) (string, error) {
	t, ok := d.Targets[target]
	if !ok {
		return "", fmt.Errorf("unknown target %q", target)
	}
	return d.resolveTemplate(t, iface, mode)
}

func (d *Document) resolveTemplate(t TargetDef, iface Interface, mode Mode) (string, error) {
	if byMode, ok := t.Commands[iface]; ok {
		if tmpl, ok := byMode[mode]; ok && tmpl != "" {
			return tmpl, nil
		}
	}
	if def, ok := d.InterfaceDefaults[iface]; ok {
		if tmpl, ok := def.Commands[mode]; ok && tmpl != "" {
			return tmpl, nil
		}
	}
	return "", fmt.Errorf("no command template for interface %s mode %s (no target-local override, no interface_defaults fallback)", iface, mode)
}

// ContainerFor resolves the container descriptor that serves (target, interface).
func (d *Document) ContainerFor(target string, iface Interface) (ContainerDef, error) {
	t, ok := d.Targets[target]
	if !ok {
		return ContainerDef{}, fmt.Errorf("unknown target %q", target)
	}
	name, ok := t.containerFor(iface)
	if !ok {
		return ContainerDef{}, fmt.Errorf("target %q has no container for interface %s", target, iface)
	}
	c, ok := d.Containers[name]
	if !ok {
		return ContainerDef{}, fmt.Errorf("target %q references undefined container %q", target, name)
	}
	return c, nil
}

// Compatible reports whether iface is in target.compatible_probes[mode].
func (d *Document) Compatible(target string, iface Interface, mode Mode) bool {
	t, ok := d.Targets[target]
	if !ok {
		return false
	}
	return t.compatible(iface, mode)
}

// TransportPolicyFor returns the transport policy target declares for iface,
// and whether one is declared at all.
func (d *Document) TransportPolicyFor(target string, iface Interface) (TransportPolicy, bool) {
	t, ok := d.Targets[target]
	if !ok {
		return TransportPolicy{}, false
	}
	p, ok := t.Transports[iface]
	return p, ok
}

// ValidateTransport checks a requested transport against the target's
// allowed set: if transport is supplied it must be allowed; otherwise the
// configured default is used. For a wch-link probe, the result is further
// restricted by the probe's inferred hardware mode (print mode is exempt,
// since it never renders {transport}). Returns the effective transport
// (possibly empty if none is configured and none was requested).
func (d *Document) ValidateTransport(target string, probe ProbeDef, iface Interface, requested string, mode Mode) (string, error) {
	policy, has := d.TransportPolicyFor(target, iface)
	var resolved string
	if requested != "" {
		if !has || !policy.isAllowed(requested) {
			return "", fmt.Errorf("transport %q not allowed for %s on %s", requested, iface, target)
		}
		resolved = requested
	} else if has {
		resolved = policy.Default
	}
	if err := validateWCHLinkTransport(probe, requested, resolved, mode); err != nil {
		return "", err
	}
	return resolved, nil
}

// validateWCHLinkTransport enforces that a wch-link probe's inferred
// hardware mode agrees with the requested/resolved transport: RISC-V mode
// is fixed to sdi, ARM mode may not use sdi.
func validateWCHLinkTransport(probe ProbeDef, requested, resolved string, mode Mode) error {
	if mode == ModePrint {
		return nil
	}
	wchMode, ok := probe.WCHLinkMode()
	if !ok {
		return nil
	}
	_, pid := probe.NormalizedVIDPID()
	switch wchMode {
	case WCHLinkModeRISCV:
		if requested != "" && requested != "sdi" {
			return fmt.Errorf("transport %q invalid for wch-link probe %d in riscv mode (pid %s): fixed to sdi", requested, probe.ID, pid)
		}
		if resolved != "" && resolved != "sdi" {
			return fmt.Errorf("transport policy for probe %d resolves to %q but wch-link probe is in riscv mode (pid %s): set its target's transport to sdi", probe.ID, resolved, pid)
		}
	case WCHLinkModeARM:
		if requested == "sdi" {
			return fmt.Errorf("transport %q invalid for wch-link probe %d in arm mode (pid %s): use swd or jtag", requested, probe.ID, pid)
		}
		if resolved == "sdi" {
			return fmt.Errorf("transport policy for probe %d resolves to %q but wch-link probe is in arm mode (pid %s): use swd or jtag", probe.ID, resolved, pid)
		}
	}
	return nil
}
