package newtest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// ExecBackend brings a topology up and down by running shell commands, for
// labs managed by an external tool. The commands see the topology name and
// file in NEWTCONV_TOPOLOGY and NEWTCONV_TOPOLOGY_FILE. An empty command is
// skipped.
type ExecBackend struct {
	Up   string
	Down string
	// File is the topology file the commands are told about.
	File string

	name string
}

// Start runs the Up command. It records the topology name for Stop even
// when Up is empty.
func (b *ExecBackend) Start(ctx context.Context, topo *topology.Topology) error {
	b.name = topo.Name
	if err := b.run(ctx, "up", b.Up); err != nil {
		return fmt.Errorf("newtest: deploy topology: %w", err)
	}
	return nil
}

// Stop runs the Down command.
func (b *ExecBackend) Stop(ctx context.Context) error {
	if err := b.run(ctx, "down", b.Down); err != nil {
		return fmt.Errorf("newtest: destroy topology: %w", err)
	}
	return nil
}

func (b *ExecBackend) run(ctx context.Context, what, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	util.WithField("topology", b.name).Infof("%s: %s", what, command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"NEWTCONV_TOPOLOGY="+b.name,
		"NEWTCONV_TOPOLOGY_FILE="+b.File,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s command failed: %w\n%s", what, err, strings.TrimSpace(out.String()))
	}
	util.Debugf("%s output:\n%s", what, out.String())
	return nil
}
