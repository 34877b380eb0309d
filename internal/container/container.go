// Package container implements the container manager: it
// lazily starts the `<base>-p<probeId>` container for a toolchain, execs
// commands inside it to completion, spawns detached long-running commands,
// and can exec-kill named binaries inside a running container. Every
// container runs privileged with /dev:/dev bind-mounted; this package
// grants no further privileges than that.
//
// It uses testcontainers-go to drive production container lifecycle
// instead of the library's usual test-fixture role: GenericContainer to
// ensure a container exists and is running, and Container.Exec to run
// commands inside it.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	tc "github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"

	"github.com/probehub/probehub/internal/proberr"
)

// TCompose is the default budget for bringing a container up.
const TCompose = 30 * time.Second

// devBindPath is bind-mounted into every toolchain container so the vendor
// tool running inside it can reach USB device nodes directly.
const devBindPath = "/dev:/dev"

// ExecResult is the outcome of a to-completion exec (flash mode).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Handle is a spawned long-running command inside a container (debug/print
// mode): it exposes enough to let the supervisor detect the process's
// death and kill it.
type Handle struct {
	ContainerName string
	PID           int
	runtime       Runtime
}

// NewHandle builds a Handle bound to runtime, used by tests and by
// alternative Runtime implementations that need to hand back a Handle
// without going through Manager.SpawnDetached.
func NewHandle(containerName string, pid int, runtime Runtime) *Handle {
	return &Handle{ContainerName: containerName, PID: pid, runtime: runtime}
}

// Kill sends signal sig to the handle's process via `kill -<sig> <pid>`
// inside the container. Escalation from SIGTERM to SIGKILL is the supervisor's job; this method just executes one shot.
func (h *Handle) Kill(ctx context.Context, sig string) error {
	_, err := h.runtime.Exec(ctx, h.ContainerName, []string{"kill", "-" + sig, strconv.Itoa(h.PID)})
	return err
}

// Alive reports whether the process is still running inside the container,
// via `kill -0`.
func (h *Handle) Alive(ctx context.Context) bool {
	res, err := h.runtime.Exec(ctx, h.ContainerName, []string{"kill", "-0", strconv.Itoa(h.PID)})
	return err == nil && res.ExitCode == 0
}

// Runtime is the subset of Manager the dispatcher and supervisor depend
// on; tests substitute a fake so they never need a real Docker daemon.
type Runtime interface {
	EnsureRunning(ctx context.Context, name, image string) error
	Exec(ctx context.Context, name string, cmd []string) (ExecResult, error)
	SpawnDetached(ctx context.Context, name string, cmd []string) (*Handle, error)
	KillNamed(ctx context.Context, name, binary string) error
	Stop(ctx context.Context, name string) error
}

// Manager ensures toolchain containers are running and runs commands
// inside them. One Manager instance serves the whole service; containers
// are keyed by name so EnsureRunning calls for the same probe serialize
// naturally on the shared mutex.
type Manager struct {
	mu         sync.Mutex
	containers map[string]tc.Container // name -> handle, once ensured running
	devBind    bool                    // true outside of tests: bind-mounts /dev:/dev
}

func NewManager() *Manager {
	return &Manager{containers: make(map[string]tc.Container), devBind: true}
}

// EnsureRunning lazily starts the named container from image if it isn't
// already tracked as running, equivalent to `compose up -d <service>`.
// Every probe container is started privileged with /dev bind-mounted so
// the vendor tool inside can reach the USB device node directly.
func (m *Manager) EnsureRunning(ctx context.Context, name, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[name]; ok {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, TCompose)
	defer cancel()

	req := tc.ContainerRequest{
		Image:      image,
		Name:       name,
		Privileged: true,
	}
	if m.devBind {
		req.HostConfigModifier = func(hc *dockercontainer.HostConfig) {
			hc.Privileged = true
			hc.Binds = append(hc.Binds, devBindPath)
		}
	}
	c, err := tc.GenericContainer(cctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return proberr.Wrap(proberr.ContainerStartFailed, fmt.Sprintf("start container %s", name), err)
	}
	m.containers[name] = c
	return nil
}

// Exec runs cmd inside the named container to completion and captures its
// exit code and output, used by flash mode. stdout and stderr come back
// combined in Stdout; Stderr is left empty.
func (m *Manager) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	m.mu.Lock()
	c, ok := m.containers[name]
	m.mu.Unlock()
	if !ok {
		return ExecResult{}, proberr.New(proberr.ContainerStartFailed, fmt.Sprintf("container %s is not running", name))
	}

	start := time.Now()
	code, reader, err := c.Exec(ctx, cmd, tcexec.Multiplexed())
	duration := time.Since(start)
	if err != nil {
		return ExecResult{Duration: duration}, proberr.Wrap(proberr.ToolFailed, fmt.Sprintf("exec in %s", name), err)
	}
	var out bytes.Buffer
	if reader != nil {
		_, _ = io.Copy(&out, reader)
	}
	return ExecResult{ExitCode: code, Stdout: out.String(), Duration: duration}, nil
}

// SpawnDetached runs cmd inside the named container in the background
// (used for debug/print mode's long-lived GDB/print server) and returns a
// Handle the supervisor can poll and kill. The container must already be
// running via EnsureRunning.
//
// testcontainers-go's Exec blocks for the duration of the command, so a
// detached spawn wraps it in a shell that backgrounds the real command and
// echoes its pid, mirroring the way a systemd-less container entrypoint
// would report a child pid.
func (m *Manager) SpawnDetached(ctx context.Context, name string, cmd []string) (*Handle, error) {
	shell := []string{"sh", "-c", shellJoin(cmd) + " >/tmp/probehub.out 2>/tmp/probehub.err & echo $!"}
	res, err := m.Exec(ctx, name, shell)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, proberr.New(proberr.ToolFailed, fmt.Sprintf("spawn in %s exited %d", name, res.ExitCode)).WithLog(res.Stdout)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, proberr.Wrap(proberr.ToolFailed, "parse spawned pid", err)
	}
	return &Handle{ContainerName: name, PID: pid, runtime: m}, nil
}

// KillNamed exec-kills every process matching binary inside the named
// container — cleanup after SIGTERM/SIGKILL, for grandchild processes
// commercial tools sometimes leave behind.
func (m *Manager) KillNamed(ctx context.Context, name, binary string) error {
	_, err := m.Exec(ctx, name, []string{"pkill", "-9", "-f", binary})
	return err
}

// Stop tears down the tracked container entirely (used by tests and by
// operator cleanup tooling, not by the normal dispatch/supervisor path,
// which leaves containers warm across sessions).
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	c, ok := m.containers[name]
	if ok {
		delete(m.containers, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Terminate(ctx)
}

func shellJoin(cmd []string) string {
	quoted := make([]string, len(cmd))
	for i, c := range cmd {
		quoted[i] = shellQuote(c)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if !strings.ContainsAny(s, " \"'$|;") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
