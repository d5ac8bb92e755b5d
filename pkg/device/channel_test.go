package device

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtconv/pkg/util"
)

func TestStatement(t *testing.T) {
	s := Statement{Context: []string{"router bgp 100", "address-family ipv4 unicast"}, Line: "maximum-paths 8"}
	if got, want := s.String(), "router bgp 100 / address-family ipv4 unicast / maximum-paths 8"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	want := []string{"configure terminal", "router bgp 100", "address-family ipv4 unicast", "maximum-paths 8"}
	if diff := cmp.Diff(want, s.Commands()); diff != "" {
		t.Errorf("Commands() mismatch (-want +got):\n%s", diff)
	}
	if got := (Statement{Line: "ip route 1.1.1.1/32 Null0"}).String(); got != "ip route 1.1.1.1/32 Null0" {
		t.Errorf("String() without context = %q", got)
	}
}

func TestCheckRejected(t *testing.T) {
	stmt := Statement{Context: []string{"router bgp 100"}, Line: "neighbor r1-r2-eth0 capability extended-nexthop"}
	tests := []struct {
		name   string
		output string
		reject bool
	}{
		{"empty", "", false},
		{"info", "BGP instance started\n", false},
		{"unknown", "% Unknown command: neighbor foo\n", true},
		{"indented", "line 2:\n  % Create the peer-group or interface first\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRejected("r1", stmt, tt.output)
			if (err != nil) != tt.reject {
				t.Fatalf("CheckRejected() = %v, want reject=%v", err, tt.reject)
			}
			if err == nil {
				return
			}
			var rej *util.ConfigRejectedError
			if !errors.As(err, &rej) || rej.Statement != stmt.String() || rej.Router != "r1" {
				t.Errorf("rejection = %#v", err)
			}
		})
	}
}

func TestVtyshCommand(t *testing.T) {
	got := VtyshCommand("sudo", "configure terminal", "route-map RM permit 10", "description it's")
	want := `sudo vtysh -c 'configure terminal' -c 'route-map RM permit 10' -c 'description it'\''s'`
	if got != want {
		t.Errorf("VtyshCommand() =\n%s\nwant\n%s", got, want)
	}
	if got := VtyshCommand("", "show bgp summary json"); got != `vtysh -c 'show bgp summary json'` {
		t.Errorf("VtyshCommand() without prefix = %s", got)
	}
}

func TestNetnsVtyshArgs(t *testing.T) {
	c := NewNetnsChannel()
	got := c.vtyshArgs("r1", "show ip route json")
	want := []string{"netns", "exec", "r1", "vtysh", "-N", "r1", "-c", "show ip route json"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vtyshArgs mismatch (-want +got):\n%s", diff)
	}

	c.Namespace = func(r string) string { return "ns-" + r }
	c.Pathspace = func(string) string { return "" }
	got = c.vtyshArgs("r2", "a", "b")
	want = []string{"netns", "exec", "ns-r2", "vtysh", "-c", "a", "-c", "b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vtyshArgs with overrides mismatch (-want +got):\n%s", diff)
	}
}

func TestSSHChannelUnknownRouter(t *testing.T) {
	c := NewSSHChannel(map[string]string{}, "admin", "pw")
	defer c.Close()
	_, err := c.Exec(t.Context(), "r9", "show version")
	if !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Exec on unknown router: %v", err)
	}
}

// silentListener accepts TCP connections and never speaks SSH.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
		}
	}()
	return ln.Addr().String()
}

func TestSSHChannelHandshakeHonoursContext(t *testing.T) {
	addr := silentListener(t)
	c := NewSSHChannel(map[string]string{"r1": addr, "r2": addr}, "admin", "pw")
	defer c.Close()

	slow, cancelSlow := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelSlow()
	done := make(chan error, 1)
	go func() {
		_, err := c.Exec(slow, "r1", "show version")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// r2 must not queue behind r1's stalled handshake.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Exec(ctx, "r2", "show version")
	if err == nil {
		t.Fatal("Exec against a silent server succeeded")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("r2 waited %s behind r1", elapsed)
	}

	cancelSlow()
	select {
	case err := <-done:
		if err == nil {
			t.Error("r1 Exec succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Error("r1 handshake ignored cancellation")
	}
}
