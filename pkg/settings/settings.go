// Package settings manages persistent user settings for the newtconv CLI.
//
// Settings live in ~/.newtconv/settings.json. Every key can be overridden by
// an environment variable named NEWTCONV_<KEY>, e.g. NEWTCONV_BACKEND=ssh.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted in Settings.Backend.
const (
	BackendNetns = "netns"
	BackendSSH   = "ssh"
)

// EnvPrefix prefixes the environment variables that override settings.
const EnvPrefix = "NEWTCONV"

// Settings holds persistent user preferences
type Settings struct {
	// Backend selects the control channel: "netns" or "ssh".
	Backend string `json:"backend,omitempty" mapstructure:"backend"`

	// ScenariosDir is the default --dir for newtconv run
	ScenariosDir string `json:"scenarios_dir,omitempty" mapstructure:"scenarios_dir"`

	// TopologiesDir is the base directory for topology files
	TopologiesDir string `json:"topologies_dir,omitempty" mapstructure:"topologies_dir"`

	// SSH credentials and the router → host[:port] map for the ssh backend.
	SSHUser     string            `json:"ssh_user,omitempty" mapstructure:"ssh_user"`
	SSHPassword string            `json:"ssh_password,omitempty" mapstructure:"ssh_password"`
	SSHHosts    map[string]string `json:"ssh_hosts,omitempty" mapstructure:"ssh_hosts"`
	SSHNoSudo   bool              `json:"ssh_no_sudo,omitempty" mapstructure:"ssh_no_sudo"`

	// UpCommand and DownCommand bring the lab up and down around a run.
	UpCommand   string `json:"up_command,omitempty" mapstructure:"up_command"`
	DownCommand string `json:"down_command,omitempty" mapstructure:"down_command"`

	// Default polling bounds for verifications without their own.
	PollTimeout  time.Duration `json:"poll_timeout,omitempty" mapstructure:"poll_timeout"`
	PollInterval time.Duration `json:"poll_interval,omitempty" mapstructure:"poll_interval"`

	LogLevel string `json:"log_level,omitempty" mapstructure:"log_level"`
}

// keys lists every settings key, for environment binding.
var keys = []string{
	"backend", "scenarios_dir", "topologies_dir",
	"ssh_user", "ssh_password", "ssh_hosts", "ssh_no_sudo",
	"up_command", "down_command",
	"poll_timeout", "poll_interval", "log_level",
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newtconv_settings.json"
	}
	return filepath.Join(home, ".newtconv", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path and applies environment
// overrides. A missing file yields the environment overrides alone.
func LoadFrom(path string) (*Settings, error) {
	return load(path, true)
}

// LoadFile reads settings from a specific path without environment
// overrides, for callers that write the settings back.
func LoadFile(path string) (*Settings, error) {
	return load(path, false)
}

func load(path string, env bool) (*Settings, error) {
	vp := viper.New()
	if env {
		vp.SetEnvPrefix(EnvPrefix)
		vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		vp.AutomaticEnv()
		for _, k := range keys {
			if err := vp.BindEnv(k); err != nil {
				return nil, err
			}
		}
	}

	if _, err := os.Stat(path); err == nil {
		vp.SetConfigFile(path)
		vp.SetConfigType("json")
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	s := &Settings{}
	if err := vp.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decoding settings %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Set assigns a key from its string form, as given on the command line.
func (s *Settings) Set(key, value string) error {
	switch key {
	case "backend":
		if value != "" && value != BackendNetns && value != BackendSSH {
			return fmt.Errorf("backend must be %s or %s", BackendNetns, BackendSSH)
		}
		s.Backend = value
	case "scenarios_dir":
		s.ScenariosDir = value
	case "topologies_dir":
		s.TopologiesDir = value
	case "ssh_user":
		s.SSHUser = value
	case "ssh_password":
		s.SSHPassword = value
	case "ssh_no_sudo":
		s.SSHNoSudo = value == "true"
	case "up_command":
		s.UpCommand = value
	case "down_command":
		s.DownCommand = value
	case "poll_timeout", "poll_interval":
		var d time.Duration
		if value != "" {
			var err error
			if d, err = time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		if key == "poll_timeout" {
			s.PollTimeout = d
		} else {
			s.PollInterval = d
		}
	case "log_level":
		s.LogLevel = value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// SetHost maps a router to an SSH host; an empty host removes the mapping.
func (s *Settings) SetHost(router, host string) {
	if host == "" {
		delete(s.SSHHosts, router)
		return
	}
	if s.SSHHosts == nil {
		s.SSHHosts = map[string]string{}
	}
	s.SSHHosts[router] = host
}

// GetBackend returns the backend (with fallback)
func (s *Settings) GetBackend() string {
	if s.Backend != "" {
		return s.Backend
	}
	return BackendNetns
}

// GetScenariosDir returns the scenario directory (with fallback)
func (s *Settings) GetScenariosDir() string {
	if s.ScenariosDir != "" {
		return s.ScenariosDir
	}
	return "newtconv/suites/rfc5549-ebgp"
}

// GetTopologiesDir returns the topology directory (with fallback)
func (s *Settings) GetTopologiesDir() string {
	if s.TopologiesDir != "" {
		return s.TopologiesDir
	}
	return "newtconv/topologies"
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
