package newtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DateTimeFormat is the timestamp format used in reports and status output.
const DateTimeFormat = "2006-01-02 15:04:05"

// SuiteStatus is the lifecycle state of a suite run.
type SuiteStatus string

const (
	SuiteStatusRunning  SuiteStatus = "running"
	SuiteStatusPausing  SuiteStatus = "pausing"
	SuiteStatusPaused   SuiteStatus = "paused"
	SuiteStatusComplete SuiteStatus = "complete"
	SuiteStatusAborted  SuiteStatus = "aborted"
	SuiteStatusFailed   SuiteStatus = "failed"
)

// RunState is persisted to ~/.newtconv/newtest/<suite>/state.json.
type RunState struct {
	Suite     string          `json:"suite"`
	SuiteDir  string          `json:"suite_dir"`
	RunID     string          `json:"run_id"`
	Topology  string          `json:"topology"`
	PID       int             `json:"pid"`
	Status    SuiteStatus     `json:"status"`
	Started   time.Time       `json:"started"`
	Updated   time.Time       `json:"updated"`
	Finished  time.Time       `json:"finished,omitempty"`
	Scenarios []ScenarioState `json:"scenarios"`
}

// ScenarioState tracks the outcome of a single scenario within a suite run.
type ScenarioState struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      string      `json:"status"`   // "PASS","FAIL","SKIP","ERROR","running","" (pending)
	Duration    string      `json:"duration"` // e.g. "2s", "15s"
	CurrentStep string      `json:"current_step,omitempty"`
	Requires    []string    `json:"requires,omitempty"`
	SkipReason  string      `json:"skip_reason,omitempty"`
	Steps       []StepState `json:"steps,omitempty"`
}

// StepState tracks the outcome of a single step within a scenario.
type StepState struct {
	Name     string `json:"name"`
	Action   string `json:"action"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	Message  string `json:"message,omitempty"`
}

// stateBase is the directory holding one state directory per suite.
func stateBase() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("newtest: user home dir: %w", err)
	}
	return filepath.Join(home, ".newtconv", "newtest"), nil
}

// StateDir returns the state directory path for a suite name.
func StateDir(suite string) (string, error) {
	base, err := stateBase()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, suite), nil
}

// SuiteName extracts the suite name from a directory path.
func SuiteName(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}

// SaveRunState writes run state to state.json in the suite state directory.
func SaveRunState(state *RunState) error {
	state.Updated = time.Now()
	dir, err := StateDir(state.Suite)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("newtest: create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return fmt.Errorf("newtest: marshal state: %w", err)
	}

	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("newtest: write state: %w", err)
	}
	return nil
}

// LoadRunState reads run state from state.json. Returns nil, nil if not found.
func LoadRunState(suite string) (*RunState, error) {
	dir, err := StateDir(suite)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("newtest: read state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("newtest: parse state.json: %w", err)
	}
	return &state, nil
}

// RemoveRunState deletes the entire suite state directory.
func RemoveRunState(suite string) error {
	dir, err := StateDir(suite)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ListSuiteStates returns names of all suites with state directories.
func ListSuiteStates() ([]string, error) {
	base, err := stateBase()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("newtest: list suites: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// AcquireLock checks for an existing active runner and claims the lock.
// Returns an error if another process is actively running this suite.
func AcquireLock(state *RunState) error {
	existing, err := LoadRunState(state.Suite)
	if err != nil {
		return err
	}

	if existing != nil && existing.PID != 0 && existing.PID != os.Getpid() && IsProcessAlive(existing.PID) {
		return fmt.Errorf("suite %s already running (pid %d)", state.Suite, existing.PID)
	}

	state.PID = os.Getpid()
	return SaveRunState(state)
}

// ReleaseLock clears the PID and saves state.
func ReleaseLock(state *RunState) error {
	state.PID = 0
	return SaveRunState(state)
}

// CheckPausing returns true if the suite's status is "pausing".
func CheckPausing(suite string) bool {
	state, err := LoadRunState(suite)
	if err != nil || state == nil {
		return false
	}
	return state.Status == SuiteStatusPausing
}

// IsProcessAlive checks if a process with the given PID exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
