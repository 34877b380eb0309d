// Package template renders Debug Probe Hub's command templates: strings
// drawn from a closed placeholder set
// ({serial}, {gdb_port}, {telnet_port}, {rtt_port}, {print_port},
// {firmware_path}, {device_path}, {transport}, {uart_baud}). Rendering
// fails closed — any placeholder the template references but the caller
// didn't supply a value for is an error, never silently dropped or left
// as literal text. There is deliberately no general-purpose templating
// engine here and no environment interpolation: the placeholder set is
// fixed so a rendered command can never pull in anything the dispatcher
// didn't explicitly hand it.
package template

import (
	"fmt"
	"strings"
)

// Placeholder is one of the closed set of substitution points a command
// template may reference.
type Placeholder string

const (
	Serial       Placeholder = "serial"
	GDBPort      Placeholder = "gdb_port"
	TelnetPort   Placeholder = "telnet_port"
	RTTPort      Placeholder = "rtt_port"
	PrintPort    Placeholder = "print_port"
	FirmwarePath Placeholder = "firmware_path"
	DevicePath   Placeholder = "device_path"
	Transport    Placeholder = "transport"
	UARTBaud     Placeholder = "uart_baud"
)

var allPlaceholders = map[Placeholder]bool{
	Serial: true, GDBPort: true, TelnetPort: true, RTTPort: true, PrintPort: true,
	FirmwarePath: true, DevicePath: true, Transport: true, UARTBaud: true,
}

// Values supplies the substitution values available for one render call.
// Unset fields simply aren't in the map; Render fails if the template
// references a placeholder that's absent here.
type Values map[Placeholder]string

// MissingPlaceholderError names the single unresolved placeholder that
// caused Render to fail closed.
type MissingPlaceholderError struct {
	Placeholder Placeholder
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("template references {%s} but no value was supplied", e.Placeholder)
}

// UnknownPlaceholderError names a `{...}` token in the template that isn't
// part of the closed placeholder set at all.
type UnknownPlaceholderError struct {
	Token string
}

func (e *UnknownPlaceholderError) Error() string {
	return fmt.Sprintf("template references unknown placeholder %q", e.Token)
}

// Render substitutes every {placeholder} in tmpl with its value from
// values, failing closed on the first unknown or unset placeholder.
func Render(tmpl string, values Values) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		rest = rest[open+1:]
		closeIdx := strings.IndexByte(rest, '}')
		if closeIdx < 0 {
			return "", fmt.Errorf("unterminated placeholder in template %q", tmpl)
		}
		name := rest[:closeIdx]
		rest = rest[closeIdx+1:]

		ph := Placeholder(name)
		if !allPlaceholders[ph] {
			return "", &UnknownPlaceholderError{Token: name}
		}
		v, ok := values[ph]
		if !ok {
			return "", &MissingPlaceholderError{Placeholder: ph}
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// References returns the set of placeholders tmpl actually mentions,
// without validating them — used by the dispatcher to decide, e.g.,
// whether a missing transport policy is tolerable.
func References(tmpl string) map[Placeholder]bool {
	refs := make(map[Placeholder]bool)
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		rest = rest[open+1:]
		closeIdx := strings.IndexByte(rest, '}')
		if closeIdx < 0 {
			break
		}
		refs[Placeholder(rest[:closeIdx])] = true
		rest = rest[closeIdx+1:]
	}
	return refs
}
