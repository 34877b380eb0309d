package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/probehub/probehub/internal/logger"
	"github.com/probehub/probehub/internal/proberr"
)

func main() {
	slog.SetDefault(slog.New(logger.NewConsoleHandler(os.Stderr, nil, true)))

	root, bind := buildRoot()
	bind()

	// cobra parses flags and validates args before running any
	// PersistentPreRunE, but checks required flags only after it; the hook
	// checks them itself, so reaching started = true means Execute's error
	// (if any) came from the subcommand rather than from flag validation.
	started := false
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := cmd.ValidateRequiredFlags(); err != nil {
			return err
		}
		started = true
		return nil
	}

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		if !started {
			os.Exit(proberr.CLIExitCode(proberr.InvalidRequest))
		}
		os.Exit(1)
	}
}

// GlobalFlags holds the flags shared by every CLI (non-serve) subcommand:
// where the daemon lives and how long to wait for it.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags configure the serve subcommand.
type ServeFlags struct {
	ConfigPath string
	Addr       string
	LockDir    string
	StagingDir string
	HistoryDSN string
	LogDir     string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// ProbeFinderFlags configure probe-finder's search filter.
type ProbeFinderFlags struct {
	Interface string
	VID       string
	PID       string
	Serial    string
	Name      string
	JSON      bool
}

// DispatchFlags configure the dispatch subcommand.
type DispatchFlags struct {
	Target       string
	Probe        int
	Mode         string
	Transport    string
	FirmwarePath string
}

// SessionStopFlags configure the session-stop subcommand.
type SessionStopFlags struct {
	Probe int
	Kind  string
}

func buildRoot() (*cobra.Command, func()) {
	global := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	finderFlags := &ProbeFinderFlags{}
	dispatchFlags := &DispatchFlags{}
	stopFlags := &SessionStopFlags{}

	root := &cobra.Command{
		Use:   "probehubd",
		Short: "Debug probe hub daemon and operator CLI",
		Long: `probehubd serves the shared-hardware debug probe dispatch hub and
doubles as the CLI clients use to talk to it.

Examples:
  probehubd serve --config=probehub.toml
  probehubd probe-status
  probehubd probe-finder --interface=jlink --json
  probehubd dispatch --target=nrf52840 --probe=1 --mode=debug`,
	}
	root.PersistentFlags().StringVar(&global.APIUrl, "api-url", "http://127.0.0.1:8080", "probehubd daemon base URL")
	root.PersistentFlags().DurationVar(&global.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		createServeCommand(serveFlags),
		createProbeStatusCommand(global),
		createProbeFinderCommand(global, finderFlags),
		createDispatchCommand(global, dispatchFlags),
		createSessionStopCommand(global, stopFlags),
	)

	return root, func() {}
}

func createServeCommand(f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the probehubd daemon",
		Long: `Start the dispatch hub daemon: loads the probe/target catalog, binds
the HTTP API, and serves dispatches until terminated.

Examples:
  probehubd serve --config=probehub.toml
  probehubd serve --config=probehub.toml --addr=:8080 --daemonize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}
	cmd.Flags().StringVar(&f.ConfigPath, "config", "", "path to the probehub.toml catalog (required)")
	cmd.Flags().StringVar(&f.Addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&f.LockDir, "lock-dir", "/var/lock", "directory for per-probe advisory lock files")
	cmd.Flags().StringVar(&f.StagingDir, "staging-dir", "/tmp/flash_staging", "directory firmware uploads are staged into")
	cmd.Flags().StringVar(&f.HistoryDSN, "history-dsn", "", "dispatch audit history sink DSN (clickhouse://, postgres://, sqlite://, or empty to disable)")
	cmd.Flags().StringVar(&f.LogDir, "log-dir", "", "directory for rotated flash-tool output logs (empty disables)")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as a background daemon")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "PID file path (with --daemonize)")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon logs to this file (with --daemonize)")

	if err := cmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
	return cmd
}

func createProbeStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe-status",
		Short: "Show live connectivity and session state for every configured probe",
		Long: `Fetches GET /status from the daemon: one record per configured
probe with USB connectivity and any active session.

Examples:
  probehubd probe-status
  probehubd probe-status --api-url=http://10.0.0.5:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbeStatus(g)
		},
	}
}

func createProbeFinderCommand(g *GlobalFlags, f *ProbeFinderFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe-finder",
		Short: "Search the configured probe catalog",
		Long: `Searches the probe catalog by interface, VID, PID, serial, or name
substring (AND-combined). Exit code 0 on match, 1 on no match.

Examples:
  probehubd probe-finder --vid=1366 --pid=0101
  probehubd probe-finder --name=bench --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbeFinder(g, f)
		},
	}
	cmd.Flags().StringVar(&f.Interface, "interface", "", "filter by probe interface (jlink, cmsis-dap, ...)")
	cmd.Flags().StringVar(&f.VID, "vid", "", "filter by USB vendor id (hex)")
	cmd.Flags().StringVar(&f.PID, "pid", "", "filter by USB product id (hex)")
	cmd.Flags().StringVar(&f.Serial, "serial", "", "filter by probe serial number")
	cmd.Flags().StringVar(&f.Name, "name", "", "filter by probe name substring")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print results as JSON")
	return cmd
}

func createDispatchCommand(g *GlobalFlags, f *DispatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a flash, debug, or print session to a probe",
		Long: `Posts to /dispatch. flash mode requires --firmware and runs to
completion; debug and print start a supervised session and return
immediately with the allocated ports.

Examples:
  probehubd dispatch --target=nrf52840 --probe=1 --mode=flash --firmware=./app.hex
  probehubd dispatch --target=nrf52840 --probe=1 --mode=debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(g, f)
		},
	}
	cmd.Flags().StringVar(&f.Target, "target", "", "target name (required)")
	cmd.Flags().IntVar(&f.Probe, "probe", 0, "probe id (required)")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "flash, debug, or print (required)")
	cmd.Flags().StringVar(&f.Transport, "transport", "", "transport override, if the target allows one")
	cmd.Flags().StringVar(&f.FirmwarePath, "firmware", "", "firmware file path (required for flash)")
	for _, name := range []string{"target", "probe", "mode"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createSessionStopCommand(g *GlobalFlags, f *SessionStopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-stop",
		Short: "Stop a probe's active debug/print session",
		Long: `Posts to /session/stop and waits for the lock to be released.

Examples:
  probehubd session-stop --probe=1
  probehubd session-stop --probe=1 --kind=print`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionStop(g, f)
		},
	}
	cmd.Flags().IntVar(&f.Probe, "probe", 0, "probe id (required)")
	cmd.Flags().StringVar(&f.Kind, "kind", "all", "debug, print, or all")
	if err := cmd.MarkFlagRequired("probe"); err != nil {
		panic(err)
	}
	return cmd
}
