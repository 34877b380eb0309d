package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "probehub.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

const minimalDoc = `
[containers.jlink_tools]
name = "jlink-tools"
image = "probehub/jlink-tools:latest"

[[probes]]
id = 1
name = "bench1"
serial = "S1"
vid = "0x1366"
pid = "0101"
interface = "jlink"

[[targets]]
name = "nrf52840"
container = "jlink_tools"

[targets.compatible_probes]
flash = ["jlink"]
debug = ["jlink"]

[targets.commands.jlink]
flash = "openocd -f jlink.cfg -c \"program {firmware_path} verify reset exit\""

[interface_defaults.jlink.commands]
debug = "JLinkGDBServer -select USB={serial} -port {gdb_port}"

[ports]
gdb_base = 3330
telnet_base = 4330
rtt_base = 5330
print_base = 6330
`

func TestLoad_Minimal(t *testing.T) {
	doc := &Document{
		Containers: map[string]ContainerDef{
			"jlink_tools": {Name: "jlink-tools", Image: "probehub/jlink-tools:latest"},
		},
		ProbeList: []ProbeDef{
			{ID: 1, Name: "bench1", Serial: "S1", VID: "0x1366", PID: "0101", Interface: InterfaceJLink},
		},
		TargetList: []TargetDef{
			{
				Name:      "nrf52840",
				Container: "jlink_tools",
				CompatibleProbes: map[Mode][]Interface{
					ModeFlash: {InterfaceJLink},
					ModeDebug: {InterfaceJLink},
				},
				Commands: map[Interface]map[Mode]string{
					InterfaceJLink: {ModeFlash: "openocd -f jlink.cfg -c flash"},
				},
			},
		},
		InterfaceDefaults: map[Interface]InterfaceDefault{
			InterfaceJLink: {Commands: map[Mode]string{ModeDebug: "JLinkGDBServer -select USB={serial} -port {gdb_port}"}},
		},
		Ports: PortsConfig{GDBBase: 3330, TelnetBase: 4330, RTTBase: 5330, PrintBase: 6330},
	}
	doc.index()
	if err := doc.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	tmpl, err := doc.Resolve("nrf52840", InterfaceJLink, ModeDebug)
	if err != nil {
		t.Fatalf("resolve debug: %v", err)
	}
	if tmpl == "" {
		t.Fatal("expected non-empty fallback template")
	}

	tmpl, err = doc.Resolve("nrf52840", InterfaceJLink, ModeFlash)
	if err != nil {
		t.Fatalf("resolve flash: %v", err)
	}
	if tmpl != "openocd -f jlink.cfg -c flash" {
		t.Fatalf("expected target-local override, got %q", tmpl)
	}
}

func TestValidate_DuplicateProbeID(t *testing.T) {
	doc := &Document{
		ProbeList: []ProbeDef{
			{ID: 1, Interface: InterfaceJLink},
			{ID: 1, Interface: InterfaceJLink},
		},
	}
	doc.index()
	if err := doc.validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestValidate_DeadConfigInterface(t *testing.T) {
	doc := &Document{
		Containers: map[string]ContainerDef{"c": {Name: "c"}},
		ProbeList:  []ProbeDef{{ID: 1, Interface: InterfaceUSBUART}},
		TargetList: []TargetDef{{
			Name:      "t",
			Container: "c",
			CompatibleProbes: map[Mode][]Interface{
				ModeFlash: {InterfaceJLink},
			},
			Commands: map[Interface]map[Mode]string{InterfaceJLink: {ModeFlash: "x"}},
		}},
	}
	doc.index()
	if err := doc.validate(); err == nil {
		t.Fatal("expected dead-config error for unreferenced usb-uart interface")
	}
}

func TestValidate_MissingCommandAndDefault(t *testing.T) {
	doc := &Document{
		Containers: map[string]ContainerDef{"c": {Name: "c"}},
		ProbeList:  []ProbeDef{{ID: 1, Interface: InterfaceJLink}},
		TargetList: []TargetDef{{
			Name:      "t",
			Container: "c",
			CompatibleProbes: map[Mode][]Interface{
				ModeFlash: {InterfaceJLink},
			},
		}},
	}
	doc.index()
	if err := doc.validate(); err == nil {
		t.Fatal("expected missing-template error")
	}
}

func TestValidate_DefaultTransportNotInAllowed(t *testing.T) {
	doc := &Document{
		Containers: map[string]ContainerDef{"c": {Name: "c"}},
		ProbeList:  []ProbeDef{{ID: 1, Interface: InterfaceWCHLink}},
		TargetList: []TargetDef{{
			Name:      "ch32v203",
			Container: "c",
			CompatibleProbes: map[Mode][]Interface{
				ModeDebug: {InterfaceWCHLink},
			},
			Commands: map[Interface]map[Mode]string{InterfaceWCHLink: {ModeDebug: "x"}},
			Transports: map[Interface]TransportPolicy{
				InterfaceWCHLink: {Default: "swd", Allowed: []string{"sdi"}},
			},
		}},
	}
	doc.index()
	if err := doc.validate(); err == nil {
		t.Fatal("expected default-not-allowed error")
	}
}

func TestValidateTransport(t *testing.T) {
	doc := &Document{
		TargetList: []TargetDef{{
			Name: "ch32v203",
			Transports: map[Interface]TransportPolicy{
				InterfaceWCHLink: {Default: "sdi", Allowed: []string{"sdi"}},
			},
		}},
	}
	doc.index()

	probe := ProbeDef{ID: 1, Interface: InterfaceWCHLink}

	if _, err := doc.ValidateTransport("ch32v203", probe, InterfaceWCHLink, "swd", ModeDebug); err == nil {
		t.Fatal("expected InvalidTransport for swd")
	}
	got, err := doc.ValidateTransport("ch32v203", probe, InterfaceWCHLink, "", ModeDebug)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sdi" {
		t.Fatalf("expected default sdi, got %q", got)
	}
}

func TestValidateTransport_WCHLinkModeRestriction(t *testing.T) {
	doc := &Document{
		TargetList: []TargetDef{{
			Name: "ch32v203",
			Transports: map[Interface]TransportPolicy{
				InterfaceWCHLink: {Default: "sdi", Allowed: []string{"sdi", "swd", "jtag"}},
			},
		}},
	}
	doc.index()

	riscv := ProbeDef{ID: 1, Interface: InterfaceWCHLink, PID: "0x8010"}
	if _, err := doc.ValidateTransport("ch32v203", riscv, InterfaceWCHLink, "swd", ModeDebug); err == nil {
		t.Fatal("expected riscv-mode probe to reject swd")
	}
	if got, err := doc.ValidateTransport("ch32v203", riscv, InterfaceWCHLink, "sdi", ModeDebug); err != nil || got != "sdi" {
		t.Fatalf("expected riscv-mode probe to accept sdi, got %q, err %v", got, err)
	}

	arm := ProbeDef{ID: 2, Interface: InterfaceWCHLink, PID: "0x8012"}
	if _, err := doc.ValidateTransport("ch32v203", arm, InterfaceWCHLink, "sdi", ModeDebug); err == nil {
		t.Fatal("expected arm-mode probe to reject sdi")
	}
	if got, err := doc.ValidateTransport("ch32v203", arm, InterfaceWCHLink, "swd", ModeDebug); err != nil || got != "swd" {
		t.Fatalf("expected arm-mode probe to accept swd, got %q, err %v", got, err)
	}

	// print mode is exempt from the hardware-mode restriction.
	if _, err := doc.ValidateTransport("ch32v203", riscv, InterfaceWCHLink, "swd", ModePrint); err != nil {
		t.Fatalf("expected print mode to bypass wch-link mode restriction, got %v", err)
	}
}

func TestProbeDef_NormalizedVIDPID(t *testing.T) {
	p := ProbeDef{VID: "0X1366", PID: "ABCD"}
	vid, pid := p.NormalizedVIDPID()
	if vid != "1366" || pid != "abcd" {
		t.Fatalf("expected normalized lowercase, got vid=%q pid=%q", vid, pid)
	}
}

func TestLoad_FromFile(t *testing.T) {
	file := writeTOML(t, minimalDoc)
	doc, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Probes) != 1 || doc.Probes[1].Name != "bench1" {
		t.Fatalf("unexpected probes: %+v", doc.Probes)
	}
	if doc.Ports.GDBBase != 3330 {
		t.Fatalf("expected gdb_base 3330, got %d", doc.Ports.GDBBase)
	}
	if !doc.Compatible("nrf52840", InterfaceJLink, ModeFlash) {
		t.Fatal("expected jlink to be compatible with nrf52840 flash")
	}
}
