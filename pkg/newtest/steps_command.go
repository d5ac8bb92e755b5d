package newtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/newtconv/pkg/util"
)

// commandExecutor runs a daemon CLI command on each router and optionally
// checks its output.
//
// YAML:
//
//	action: command
//	routers: [r2]
//	command: "show bgp summary json"
//	expect:
//	  contains: "Established"
type commandExecutor struct{}

func (e *commandExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	return r.forRouters(step, func(router string) (string, error) {
		output, err := r.h.Channel().Exec(ctx, router, step.Command)
		if err != nil {
			return "", fmt.Errorf("command failed: %w", err)
		}
		if step.Expect != nil && step.Expect.Contains != "" {
			if !strings.Contains(output, step.Expect.Contains) {
				return "", &outputMismatchError{want: step.Expect.Contains, output: output}
			}
			return fmt.Sprintf("output contains %q", step.Expect.Contains), nil
		}
		return "command succeeded", nil
	})
}

// outputMismatchError fails a step whose command ran but printed the wrong
// thing.
type outputMismatchError struct {
	want   string
	output string
}

func (e *outputMismatchError) Error() string {
	return fmt.Sprintf("output does not contain %q\n%s", e.want, e.output)
}

func (e *outputMismatchError) Unwrap() error { return util.ErrValidationFailed }
