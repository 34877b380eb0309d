package main

import (
	"context"
	"fmt"
	"os"

	"github.com/probehub/probehub/internal/proberr"
	"github.com/probehub/probehub/pkg/client"
)

func newClient(g *GlobalFlags) *client.Client {
	return client.New(client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout})
}

func runProbeStatus(g *GlobalFlags) error {
	c := newClient(g)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - start it with 'probehubd serve'", g.APIUrl)
	}
	statuses, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(statuses)
	return nil
}

func runProbeFinder(g *GlobalFlags, f *ProbeFinderFlags) error {
	c := newClient(g)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - start it with 'probehubd serve'", g.APIUrl)
	}
	result, err := c.Search(ctx, client.SearchQuery{
		Interface: f.Interface, VID: f.VID, PID: f.PID, Serial: f.Serial, Name: f.Name,
	})
	if err != nil {
		return err
	}

	if f.JSON {
		printJSON(result)
	} else {
		for _, m := range result.Matches {
			fmt.Printf("%d\t%s\t%s\t%s\n", m.ID, m.Name, m.Interface, m.Serial)
		}
	}

	if result.Count == 0 {
		os.Exit(1)
	}
	return nil
}

func runDispatch(g *GlobalFlags, f *DispatchFlags) error {
	c := newClient(g)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - start it with 'probehubd serve'", g.APIUrl)
	}
	res, err := c.Dispatch(ctx, client.DispatchRequest{
		Target: f.Target, Probe: f.Probe, Mode: f.Mode,
		Transport: f.Transport, FirmwarePath: f.FirmwarePath,
	})
	if err != nil {
		return exitWithKind(err)
	}
	printJSON(res)
	return nil
}

func runSessionStop(g *GlobalFlags, f *SessionStopFlags) error {
	c := newClient(g)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - start it with 'probehubd serve'", g.APIUrl)
	}
	if err := c.StopSession(ctx, client.StopSessionRequest{Probe: f.Probe, Kind: f.Kind}); err != nil {
		return exitWithKind(err)
	}
	fmt.Println("ok")
	return nil
}

// exitWithKind prints err and exits with the CLI code the daemon's error
// kind maps to, instead of cobra's flat exit 1 for everything.
func exitWithKind(err error) error {
	fmt.Fprintln(os.Stderr, err)
	kind := proberr.Internal
	if re, ok := err.(*client.RemoteError); ok {
		kind = proberr.Kind(re.Kind)
	}
	os.Exit(proberr.CLIExitCode(kind))
	return nil
}
