package device

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtconv/pkg/util"
)

const redisAddr = "127.0.0.1:6379"

// dialTimeout bounds connecting and authenticating to one router.
const dialTimeout = 30 * time.Second

// SSHChannel reaches each router over SSH and drives FRR with vtysh.
type SSHChannel struct {
	hosts map[string]string // router -> host[:port]
	user  string
	pass  string
	sudo  bool

	mu      sync.Mutex
	clients map[string]*ssh.Client
	tunnels map[string]*Tunnel
}

// SSHOption configures an SSHChannel.
type SSHOption func(*SSHChannel)

// WithoutSudo runs vtysh and ip directly, for images that log in as root.
func WithoutSudo() SSHOption {
	return func(c *SSHChannel) { c.sudo = false }
}

// NewSSHChannel creates a channel for the given router to host mapping.
// Connections are opened on first use.
func NewSSHChannel(hosts map[string]string, user, pass string, opts ...SSHOption) *SSHChannel {
	c := &SSHChannel{
		hosts:   hosts,
		user:    user,
		pass:    pass,
		sudo:    true,
		clients: map[string]*ssh.Client{},
		tunnels: map[string]*Tunnel{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *SSHChannel) client(ctx context.Context, router string) (*ssh.Client, error) {
	c.mu.Lock()
	cl, ok := c.clients[router]
	host, known := c.hosts[router]
	c.mu.Unlock()
	if ok {
		return cl, nil
	}
	if !known {
		return nil, fmt.Errorf("no management address for %s: %w", router, util.ErrNotFound)
	}

	// Dial without holding the lock so one unresponsive router does not
	// stall the others.
	cl, err := c.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[router]; ok {
		cl.Close()
		return existing, nil
	}
	c.clients[router] = cl
	util.WithRouter(router).Debugf("connected to %s", host)
	return cl, nil
}

// dial connects and authenticates. The handshake is bounded by
// dialTimeout and by ctx.
func (c *SSHChannel) dial(ctx context.Context, host string) (*ssh.Client, error) {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	config := &ssh.ClientConfig{
		User: c.user,
		Auth: []ssh.AuthMethod{
			ssh.Password(c.pass),
		},
		// Lab routers regenerate host keys on every deploy.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", host, err)
	}
	deadline := time.Now().Add(dialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(conn, host, config)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("SSH handshake %s: %w", host, ctx.Err())
		}
		return nil, fmt.Errorf("SSH handshake %s: %w", host, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

// run executes a shell command in a fresh session.
func (c *SSHChannel) run(ctx context.Context, router, cmd string) (string, error) {
	cl, err := c.client(ctx, router)
	if err != nil {
		return "", err
	}
	session, err := cl.NewSession()
	if err != nil {
		return "", fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		ch <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return string(r.out), fmt.Errorf("SSH exec '%s': %w", cmd, r.err)
		}
		return string(r.out), nil
	}
}

func (c *SSHChannel) prefix() string {
	if c.sudo {
		return "sudo"
	}
	return ""
}

// Exec runs a vtysh command on the router.
func (c *SSHChannel) Exec(ctx context.Context, router, cmd string) (string, error) {
	return c.run(ctx, router, VtyshCommand(c.prefix(), cmd))
}

// Configure applies one statement through vtysh.
func (c *SSHChannel) Configure(ctx context.Context, router string, stmt Statement) error {
	out, err := c.run(ctx, router, VtyshCommand(c.prefix(), stmt.Commands()...))
	if rej := CheckRejected(router, stmt, out); rej != nil {
		return rej
	}
	return err
}

// SetLinkAdmin changes kernel link state with ip(8).
func (c *SSHChannel) SetLinkAdmin(ctx context.Context, router, iface string, up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	cmd := fmt.Sprintf("ip link set dev %s %s", singleQuote(iface), state)
	if c.sudo {
		cmd = "sudo " + cmd
	}
	_, err := c.run(ctx, router, cmd)
	return err
}

// RedisAddr returns a local address forwarding to the router's Redis.
func (c *SSHChannel) RedisAddr(ctx context.Context, router string) (string, error) {
	cl, err := c.client(ctx, router)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tunnels[router]; ok {
		return t.LocalAddr(), nil
	}
	t, err := NewTunnel(cl, redisAddr)
	if err != nil {
		return "", err
	}
	c.tunnels[router] = t
	return t.LocalAddr(), nil
}

// Close closes tunnels and SSH connections.
func (c *SSHChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, t := range c.tunnels {
		t.Close()
		delete(c.tunnels, name)
	}
	var firstErr error
	for name, cl := range c.clients {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.clients, name)
	}
	return firstErr
}
