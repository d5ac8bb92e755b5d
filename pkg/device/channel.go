// Package device is the per-router control channel: FRR CLI queries and
// configuration, and interface administration.
package device

import (
	"context"
	"net/netip"
	"strings"

	"github.com/newtron-network/newtconv/pkg/util"
)

// Statement is one configuration line and the CLI contexts it lives in,
// outermost first.
type Statement struct {
	Context []string
	Line    string
}

// String renders the statement as "ctx / ctx / line".
func (s Statement) String() string {
	if len(s.Context) == 0 {
		return s.Line
	}
	return strings.Join(s.Context, " / ") + " / " + s.Line
}

// Commands returns the vtysh commands that enter each context and apply the line.
func (s Statement) Commands() []string {
	cmds := make([]string, 0, len(s.Context)+2)
	cmds = append(cmds, "configure terminal")
	cmds = append(cmds, s.Context...)
	return append(cmds, s.Line)
}

// Channel talks to the routing daemon of each router.
type Channel interface {
	// Exec runs a vtysh command and returns its output.
	Exec(ctx context.Context, router, cmd string) (string, error)
	// Configure applies one statement. A statement the daemon refuses is
	// reported as *util.ConfigRejectedError.
	Configure(ctx context.Context, router string, stmt Statement) error
	Close() error
}

// LinkAdmin is implemented by channels that can change kernel link state
// directly instead of through the daemon CLI.
type LinkAdmin interface {
	SetLinkAdmin(ctx context.Context, router, iface string, up bool) error
}

// LinkAddresser is implemented by channels that can list interface
// addresses without going through the daemon.
type LinkAddresser interface {
	LinkLocal(ctx context.Context, router, iface string) ([]netip.Addr, error)
}

// RedisForwarder is implemented by channels that can reach the router's
// Redis server, for SONiC routers that publish their RIB to APP_DB.
type RedisForwarder interface {
	RedisAddr(ctx context.Context, router string) (string, error)
}

// CheckRejected inspects daemon output for an error line. FRR prefixes
// errors with "%"; informational lines never start with it.
func CheckRejected(router string, stmt Statement, output string) error {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "%") {
			return util.NewConfigRejectedError(router, stmt.String(), output)
		}
	}
	return nil
}

// VtyshCommand builds a shell command line running vtysh with the given
// commands, each passed as its own -c argument.
func VtyshCommand(prefix string, cmds ...string) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteString(" ")
	}
	b.WriteString("vtysh")
	for _, c := range cmds {
		b.WriteString(" -c ")
		b.WriteString(singleQuote(c))
	}
	return b.String()
}

// singleQuote wraps a string in single quotes, escaping any embedded single quotes.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
