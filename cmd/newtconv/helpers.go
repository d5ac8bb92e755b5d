package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/harness"
	"github.com/newtron-network/newtconv/pkg/newtest"
	"github.com/newtron-network/newtconv/pkg/poll"
	"github.com/newtron-network/newtconv/pkg/settings"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// loadSettings returns the user settings, or empty settings when the file
// cannot be read.
func loadSettings() *settings.Settings {
	s, err := settings.Load()
	if err != nil {
		util.Warnf("ignoring settings: %v", err)
		return &settings.Settings{}
	}
	return s
}

// applyLogLevel sets the log level from --verbose, then settings, then warn.
func applyLogLevel(s *settings.Settings) {
	level := "warn"
	if s.LogLevel != "" {
		level = s.LogLevel
	}
	if verboseFlag {
		level = "debug"
	}
	if err := util.SetLogLevel(level); err != nil {
		util.Warnf("log level %q: %v", level, err)
	}
}

// resolveDir resolves the suite directory from: positional arg > flag > settings > default.
// A bare name like "rfc5549-ebgp" is resolved under the suites base directory.
func resolveDir(cmd *cobra.Command, flagVal string, args ...string) string {
	if len(args) > 0 && args[0] != "" {
		return resolveSuiteName(args[0])
	}
	if cmd.Flags().Changed("dir") {
		return flagVal
	}
	return loadSettings().GetScenariosDir()
}

// resolveSuiteName resolves a suite name to a directory path.
// If name is already a path (contains /), use it directly.
// Otherwise, look under newtconv/suites/<name>.
func resolveSuiteName(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	candidate := filepath.Join("newtconv", "suites", name)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	// Fall through: return as-is and let downstream report the error
	return name
}

// resolveTopologiesDir resolves the topologies base directory from settings
// (which carry the NEWTCONV_TOPOLOGIES_DIR override) or the default.
func resolveTopologiesDir() string {
	return loadSettings().GetTopologiesDir()
}

// loadTopology loads a topology by name (resolved under the topologies
// directory) or by path.
func loadTopology(name string) (*topology.Topology, string, error) {
	path := name
	if _, err := os.Stat(path); err != nil {
		dir := resolveTopologiesDir()
		path = ""
		for _, ext := range []string{".json", ".yaml", ".yml"} {
			candidate := filepath.Join(dir, name+ext)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil, "", fmt.Errorf("topology %q not found in %s", name, dir)
		}
	}
	topo, err := topology.Load(path)
	if err != nil {
		return nil, "", err
	}
	return topo, path, nil
}

// harnessOptions builds harness options from the polling settings.
func harnessOptions(s *settings.Settings) harness.Options {
	return harness.Options{
		Poll: poll.Options{Timeout: s.PollTimeout, Interval: s.PollInterval},
	}
}

// openChannel opens the control channel the settings select.
func openChannel(s *settings.Settings, topo *topology.Topology) (device.Channel, error) {
	switch s.GetBackend() {
	case settings.BackendNetns:
		return device.NewNetnsChannel(), nil
	case settings.BackendSSH:
		var missing []string
		for _, name := range topo.RouterNames() {
			if s.SSHHosts[name] == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("no ssh host for %s; use 'newtconv settings host <router> <addr>'",
				strings.Join(missing, ", "))
		}
		var opts []device.SSHOption
		if s.SSHNoSudo {
			opts = append(opts, device.WithoutSudo())
		}
		return device.NewSSHChannel(s.SSHHosts, s.SSHUser, s.SSHPassword, opts...), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
}

// connector returns the runner connector for the configured backend. The
// lab is brought up and down by the settings' up/down commands when set.
func connector(s *settings.Settings) newtest.Connector {
	return func(ctx context.Context, topo *topology.Topology, path string) (harness.Backend, device.Channel, error) {
		ch, err := openChannel(s, topo)
		if err != nil {
			return nil, nil, err
		}
		if s.UpCommand == "" && s.DownCommand == "" {
			return nil, ch, nil
		}
		return &newtest.ExecBackend{Up: s.UpCommand, Down: s.DownCommand, File: path}, ch, nil
	}
}

// resolveSuite resolves a suite name from --dir flag or auto-detection.
// The filter function controls which suites are considered: return true for
// suites that should be included. Pass nil to accept any suite with state.
func resolveSuite(cmd *cobra.Command, dir string, filter func(newtest.SuiteStatus) bool) (string, error) {
	if cmd.Flags().Changed("dir") {
		return newtest.SuiteName(dir), nil
	}

	suites, err := newtest.ListSuiteStates()
	if err != nil {
		return "", err
	}
	if len(suites) == 0 {
		return "", fmt.Errorf("no active suite found; use --dir to specify")
	}

	var matched []string
	for _, s := range suites {
		if filter == nil {
			matched = append(matched, s)
			continue
		}
		state, err := newtest.LoadRunState(s)
		if err != nil || state == nil {
			continue
		}
		if filter(state.Status) {
			matched = append(matched, s)
		}
	}

	if len(matched) == 0 {
		return "", fmt.Errorf("no active suite found; use --dir to specify")
	}
	if len(matched) > 1 {
		return "", fmt.Errorf("multiple active suites: %v; use --dir to specify", matched)
	}
	return matched[0], nil
}

// resolveTopologyFromState infers the topology name from suite state.
// Falls back to parsing scenario files if state.Topology is empty.
func resolveTopologyFromState(state *newtest.RunState) string {
	if state.Topology != "" {
		return state.Topology
	}
	if state.SuiteDir != "" {
		scenarios, _ := newtest.ParseAllScenarios(state.SuiteDir)
		if len(scenarios) > 0 {
			return scenarios[0].Topology
		}
	}
	return ""
}
