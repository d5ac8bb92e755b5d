package newtest

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StepStatus represents the outcome of a step or scenario.
type StepStatus string

const (
	StepStatusPassed  StepStatus = "PASS"
	StepStatusFailed  StepStatus = "FAIL"
	StepStatusSkipped StepStatus = "SKIP"
	StepStatusError   StepStatus = "ERROR"
)

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name        string
	Topology    string
	Status      StepStatus
	Duration    time.Duration
	Steps       []StepResult
	DeployError error
	SkipReason  string // set when Status==StepStatusSkipped

	Repeat          int // total iterations requested (0 = no repeat)
	FailedIteration int // which iteration failed (only set when Repeat > 1)
}

// StepResult holds the result of a single step execution.
type StepResult struct {
	Name      string
	Action    StepAction
	Status    StepStatus
	Duration  time.Duration
	Message   string
	Router    string
	Details   []RouterResult
	Iteration int // 1-based iteration number (0 = no repeat)
}

// RouterResult holds the result for a single router within a multi-router step.
type RouterResult struct {
	Router  string
	Status  StepStatus
	Message string
}

// ReportGenerator produces test reports from scenario results.
type ReportGenerator struct {
	RunID   string
	Results []*ScenarioResult
}

// WriteMarkdown writes a markdown report to the given path.
func (g *ReportGenerator) WriteMarkdown(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# newtconv report, %s\n\n", time.Now().Format(DateTimeFormat))
	if g.RunID != "" {
		fmt.Fprintf(f, "Run `%s`\n\n", g.RunID)
	}

	fmt.Fprintln(f, "| Scenario | Topology | Result | Duration | Note |")
	fmt.Fprintln(f, "|----------|----------|--------|----------|------|")
	for _, r := range g.Results {
		note := r.SkipReason
		if r.DeployError != nil {
			note = r.DeployError.Error()
		}
		if r.Repeat > 1 && r.FailedIteration > 0 {
			note = fmt.Sprintf("failed on iteration %d/%d", r.FailedIteration, r.Repeat)
		} else if r.Repeat > 1 {
			note = fmt.Sprintf("%d iterations", r.Repeat)
		}
		fmt.Fprintf(f, "| %s | %s | %s | %s | %s |\n",
			r.Name, r.Topology, r.Status, r.Duration.Round(time.Millisecond), note)
	}

	hasFailures := false
	for _, r := range g.Results {
		for _, s := range r.Steps {
			if s.Status != StepStatusFailed && s.Status != StepStatusError {
				continue
			}
			if !hasFailures {
				fmt.Fprintf(f, "\n## Failures\n\n")
				hasFailures = true
			}
			fmt.Fprintf(f, "### %s\n", r.Name)
			fmt.Fprintf(f, "Step %s (%s): %s\n\n", s.Name, s.Action, firstLine(s.Message))
			for _, d := range s.Details {
				if d.Status != StepStatusPassed {
					fmt.Fprintf(f, "```\n%s: %s\n```\n\n", d.Router, d.Message)
				}
			}
		}
	}

	return nil
}

// WriteJUnit writes a JUnit XML report for CI integration.
func (g *ReportGenerator) WriteJUnit(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	suites := junitTestSuites{Name: "newtconv", ID: g.RunID}

	for _, r := range g.Results {
		suite := junitTestSuite{
			Name: r.Name,
			Time: r.Duration.Seconds(),
		}

		// Scenario-level skip or setup error: emit a single test case
		if len(r.Steps) == 0 && (r.SkipReason != "" || r.DeployError != nil) {
			suite.Tests = 1
			tc := junitTestCase{Name: r.Name, ClassName: r.Name}
			if r.DeployError != nil {
				suite.Errors = 1
				tc.Error = &junitError{Message: r.DeployError.Error(), Type: "setup"}
			} else {
				suite.Skipped = 1
				tc.Skipped = &junitSkipped{Message: r.SkipReason}
			}
			suite.Cases = append(suite.Cases, tc)
			suites.Suites = append(suites.Suites, suite)
			continue
		}

		for _, s := range r.Steps {
			suite.Tests++
			stepName := s.Name
			if s.Iteration > 0 {
				stepName = fmt.Sprintf("[iter %d] %s", s.Iteration, s.Name)
			}
			tc := junitTestCase{
				Name:      stepName,
				ClassName: r.Name,
				Time:      s.Duration.Seconds(),
			}

			switch s.Status {
			case StepStatusFailed:
				suite.Failures++
				tc.Failure = &junitFailure{
					Message: firstLine(s.Message),
					Type:    string(s.Action),
					Body:    s.Message,
				}
			case StepStatusSkipped:
				suite.Skipped++
				tc.Skipped = &junitSkipped{Message: s.Message}
			case StepStatusError:
				suite.Errors++
				tc.Error = &junitError{
					Message: firstLine(s.Message),
					Type:    string(s.Action),
					Body:    s.Message,
				}
			}

			suite.Cases = append(suite.Cases, tc)
		}

		suites.Suites = append(suites.Suites, suite)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append([]byte(xml.Header), data...), 0o644)
}

// statusVerb returns a past-tense verb for a status, used in skip reasons.
func statusVerb(s StepStatus) string {
	switch s {
	case StepStatusFailed:
		return "failed"
	case StepStatusError:
		return "errored"
	case StepStatusSkipped:
		return "was skipped"
	default:
		return string(s)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// JUnit XML types

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Name    string           `xml:"name,attr"`
	ID      string           `xml:"id,attr,omitempty"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Errors   int             `xml:"errors,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     float64         `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	Error     *junitError   `xml:"error,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr"`
}

type junitError struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}
