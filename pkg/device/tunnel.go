package device

import (
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Tunnel forwards a local TCP port to an address reachable from an SSH host.
// SONiC Redis listens on 127.0.0.1:6379 without authentication, so APP_DB
// is read through one of these.
type Tunnel struct {
	localAddr  string // "127.0.0.1:<port>"
	remoteAddr string
	client     *ssh.Client
	listener   net.Listener
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewTunnel opens a local listener on a random port whose connections are
// forwarded to remoteAddr on the far side of client.
func NewTunnel(client *ssh.Client, remoteAddr string) (*Tunnel, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("local listen: %w", err)
	}
	t := &Tunnel{
		localAddr:  listener.Addr().String(),
		remoteAddr: remoteAddr,
		client:     client,
		listener:   listener,
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// LocalAddr returns the local address that forwards to the remote side.
func (t *Tunnel) LocalAddr() string {
	return t.localAddr
}

// Close stops the listener and waits for forwarding goroutines to finish.
// The SSH client is owned by the caller.
func (t *Tunnel) Close() error {
	close(t.done)
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}
