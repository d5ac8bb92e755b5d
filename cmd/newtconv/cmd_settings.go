package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtconv/pkg/cli"
	"github.com/newtron-network/newtconv/pkg/settings"
)

func newSettingsCmd() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage persistent settings",
		Long: `Manage persistent settings stored in ~/.newtconv/settings.json.
Every setting can be overridden by NEWTCONV_<SETTING>, e.g. NEWTCONV_BACKEND=ssh.

Examples:
  newtconv settings show
  newtconv settings set backend ssh
  newtconv settings set poll_timeout 90s
  newtconv settings host r1 10.0.0.1:22
  newtconv settings clear`,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load()
			if err != nil {
				return fmt.Errorf("loading settings: %w", err)
			}

			fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

			t := cli.NewTable("SETTING", "VALUE")
			printSetting := func(name, value string) {
				if value == "" {
					value = "(not set)"
				}
				t.Row(name, value)
			}
			password := ""
			if s.SSHPassword != "" {
				password = "********"
			}
			printSetting("backend", s.GetBackend())
			printSetting("scenarios_dir", s.GetScenariosDir())
			printSetting("topologies_dir", s.GetTopologiesDir())
			printSetting("ssh_user", s.SSHUser)
			printSetting("ssh_password", password)
			printSetting("ssh_no_sudo", fmt.Sprintf("%t", s.SSHNoSudo))
			printSetting("up_command", s.UpCommand)
			printSetting("down_command", s.DownCommand)
			printSetting("poll_timeout", durationSetting(s.PollTimeout.String(), s.PollTimeout == 0))
			printSetting("poll_interval", durationSetting(s.PollInterval.String(), s.PollInterval == 0))
			printSetting("log_level", s.LogLevel)
			t.Flush()

			if len(s.SSHHosts) > 0 {
				fmt.Println()
				routers := make([]string, 0, len(s.SSHHosts))
				for r := range s.SSHHosts {
					routers = append(routers, r)
				}
				sort.Strings(routers)
				ht := cli.NewTable("ROUTER", "SSH HOST")
				for _, r := range routers {
					ht.Row(r, s.SSHHosts[r])
				}
				ht.Flush()
			}
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <setting> <value>",
		Short: "Set a setting value",
		Long: `Set a persistent setting value. An empty value clears the setting.

Available settings:
  backend         - Control channel: netns or ssh
  scenarios_dir   - Default suite directory (--dir default)
  topologies_dir  - Base directory for topology files
  ssh_user        - SSH user for the ssh backend
  ssh_password    - SSH password for the ssh backend
  ssh_no_sudo     - true to run vtysh without sudo
  up_command      - Shell command that brings the lab up
  down_command    - Shell command that brings the lab down
  poll_timeout    - Default verification timeout (e.g. 60s)
  poll_interval   - Default verification interval (e.g. 1s)
  log_level       - debug, info, warn or error`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateSettings(func(s *settings.Settings) error {
				if err := s.Set(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s set to: %s\n", args[0], args[1])
				return nil
			})
		},
	}

	hostCmd := &cobra.Command{
		Use:   "host <router> [host[:port]]",
		Short: "Map a router to its SSH host, or remove the mapping",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := ""
			if len(args) == 2 {
				host = args[1]
			}
			return updateSettings(func(s *settings.Settings) error {
				s.SetHost(args[0], host)
				if host == "" {
					fmt.Printf("%s host removed\n", args[0])
				} else {
					fmt.Printf("%s host set to: %s\n", args[0], host)
				}
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear all settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (&settings.Settings{}).Save(); err != nil {
				return fmt.Errorf("saving settings: %w", err)
			}
			fmt.Println("All settings cleared.")
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Show settings file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(settings.DefaultSettingsPath())
		},
	}

	settingsCmd.AddCommand(showCmd, setCmd, hostCmd, clearCmd, pathCmd)
	return settingsCmd
}

// updateSettings loads the settings file, applies fn and saves it.
// Environment overrides are not written back.
func updateSettings(fn func(*settings.Settings) error) error {
	s, err := settings.LoadFile(settings.DefaultSettingsPath())
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if err := fn(s); err != nil {
		return err
	}
	if err := s.Save(); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

func durationSetting(s string, unset bool) string {
	if unset {
		return ""
	}
	return s
}
