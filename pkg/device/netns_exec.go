package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// NetnsChannel drives routers that run as FRR instances in local network
// namespaces, one namespace and one FRR pathspace per router.
type NetnsChannel struct {
	// Namespace maps a router to its namespace name. Defaults to the router name.
	Namespace func(router string) string
	// Pathspace selects the FRR instance (vtysh -N). Empty uses the router name.
	Pathspace func(router string) string
}

// NewNetnsChannel returns a channel using router names for namespaces and
// FRR pathspaces.
func NewNetnsChannel() *NetnsChannel {
	return &NetnsChannel{}
}

func (c *NetnsChannel) nsName(router string) string {
	if c.Namespace != nil {
		return c.Namespace(router)
	}
	return router
}

func (c *NetnsChannel) vtyshArgs(router string, cmds ...string) []string {
	ps := router
	if c.Pathspace != nil {
		ps = c.Pathspace(router)
	}
	args := []string{"netns", "exec", c.nsName(router), "vtysh"}
	if ps != "" {
		args = append(args, "-N", ps)
	}
	for _, cmd := range cmds {
		args = append(args, "-c", cmd)
	}
	return args
}

func (c *NetnsChannel) run(ctx context.Context, args []string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "ip", args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("ip %v: %w", args, err)
	}
	return out.String(), nil
}

// Exec runs a vtysh command inside the router's namespace.
func (c *NetnsChannel) Exec(ctx context.Context, router, cmd string) (string, error) {
	return c.run(ctx, c.vtyshArgs(router, cmd))
}

// Configure applies one statement through vtysh.
func (c *NetnsChannel) Configure(ctx context.Context, router string, stmt Statement) error {
	out, err := c.run(ctx, c.vtyshArgs(router, stmt.Commands()...))
	if rej := CheckRejected(router, stmt, out); rej != nil {
		return rej
	}
	return err
}

// Close is a no-op; every call uses its own process or netlink handle.
func (c *NetnsChannel) Close() error {
	return nil
}
