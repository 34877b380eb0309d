package client

import (
	"fmt"
	"time"
)

// ProbeStatus mirrors the httpapi /status entry for one configured probe.
type ProbeStatus struct {
	ID             int          `json:"id"`
	Name           string       `json:"name"`
	Connected      bool         `json:"connected"`
	ObservedSerial string       `json:"observed_serial,omitempty"`
	ExpectedSerial string       `json:"expected_serial,omitempty"`
	Match          string       `json:"match"`
	Session        *SessionView `json:"session,omitempty"`
}

// SessionView mirrors the live session embedded in a ProbeStatus.
type SessionView struct {
	Mode       string    `json:"mode"`
	State      string    `json:"state"`
	StopReason string    `json:"stop_reason,omitempty"`
	Target     string    `json:"target"`
	StartedAt  time.Time `json:"started_at"`
	GDBPort    int       `json:"gdb_port,omitempty"`
	TelnetPort int       `json:"telnet_port,omitempty"`
	RTTPort    int       `json:"rtt_port,omitempty"`
	PrintPort  int       `json:"print_port,omitempty"`
}

// SearchQuery holds the /probes/search AND-combined filter parameters.
type SearchQuery struct {
	Interface string
	VID       string
	PID       string
	Serial    string
	Name      string
}

// ProbeMatch mirrors one /probes/search match: a catalog entry as declared
// in the TOML document, not a live status — it carries no connected/match/
// session fields, only what the document itself defines.
type ProbeMatch struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Serial     string `json:"serial,omitempty"`
	VID        string `json:"vid,omitempty"`
	PID        string `json:"pid,omitempty"`
	Interface  string `json:"interface"`
	DeviceNode string `json:"device_node,omitempty"`
	UARTBaud   int    `json:"uart_baud,omitempty"`
}

// SearchResult mirrors the /probes/search response envelope.
type SearchResult struct {
	Matches []ProbeMatch `json:"matches"`
	Count   int          `json:"count"`
}

// DispatchRequest is one /dispatch call's form fields.
type DispatchRequest struct {
	Target       string
	Probe        int
	Mode         string
	Transport    string
	FirmwarePath string // empty unless Mode == "flash"
}

// DispatchResult mirrors the /dispatch JSON response.
type DispatchResult struct {
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Log        string `json:"log"`
	GDBPort    int    `json:"gdb_port,omitempty"`
	TelnetPort int    `json:"telnet_port,omitempty"`
	RTTPort    int    `json:"rtt_port,omitempty"`
	PrintPort  int    `json:"print_port,omitempty"`
}

// StopSessionRequest is one /session/stop call's form fields.
type StopSessionRequest struct {
	Probe int
	Kind  string // "debug" | "print" | "all"; empty defaults to "all" server-side
}

// ErrorResponse is the JSON error envelope every non-2xx response carries.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Log    string `json:"log,omitempty"`
}

// RemoteError is what Client methods return when the daemon answers with
// a non-2xx ErrorResponse. Kind mirrors the daemon-side proberr.Kind
// string verbatim, letting CLI callers map it to an exit code without
// linking against the daemon's internal error package.
type RemoteError struct {
	Kind    string
	Message string
	Log     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
