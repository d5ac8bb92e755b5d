// Package fault perturbs a running network by changing the administrative
// state of link interfaces.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newtron-network/newtconv/pkg/audit"
	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/linklocal"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Injector changes interface admin state and keeps the topology's view of
// it current.
type Injector struct {
	topo *topology.Topology
	ch   device.Channel
	ll   *linklocal.Resolver
}

// New creates an injector. ll may be nil when no link-local cache is kept.
func New(topo *topology.Topology, ch device.Channel, ll *linklocal.Resolver) *Injector {
	return &Injector{topo: topo, ch: ch, ll: ll}
}

// ParseAdminStatus accepts "up" or "down".
func ParseAdminStatus(value string) (bool, error) {
	switch value {
	case "up":
		return true, nil
	case "down":
		return false, nil
	}
	return false, fmt.Errorf("admin status must be 'up' or 'down', got %q: %w", value, util.ErrInvalidConfig)
}

// SetInterfaceAdmin brings a link interface up or down. iface is a link key
// or an interface name. The call returns once the router accepted the
// change; the routing effect is asynchronous. Bringing an interface up drops
// its cached link-local address, since the kernel may assign a new one.
func (in *Injector) SetInterfaceAdmin(ctx context.Context, router, iface string, up bool) error {
	fail := func(err error) error {
		return &util.FaultError{Router: router, Interface: iface, Up: up, Err: err}
	}
	rt, err := in.topo.Router(router)
	if err != nil {
		return fail(err)
	}
	i, err := rt.Lookup(iface)
	if err != nil {
		return fail(err)
	}
	if i.Link == nil {
		return fail(fmt.Errorf("%s is not a link interface: %w", i, util.ErrInvalidConfig))
	}

	op := audit.OpLinkDown
	if up {
		op = audit.OpLinkUp
	}
	start := time.Now()
	if la, ok := in.ch.(device.LinkAdmin); ok {
		err = la.SetLinkAdmin(ctx, router, i.Name, up)
	} else {
		line := "shutdown"
		if up {
			line = "no shutdown"
		}
		err = in.ch.Configure(ctx, router, device.Statement{Context: []string{"interface " + i.Name}, Line: line})
	}
	audit.Log(audit.NewEvent(router, op).WithInterface(i.Name).WithResult(err).WithDuration(start))
	if err != nil {
		return &util.FaultError{Router: router, Interface: i.Name, Up: up, Err: err}
	}

	rt.SetAdminUp(i.Name, up)
	if up && in.ll != nil {
		in.ll.Invalidate(router, i.Name)
	}
	state := "down"
	if up {
		state = "up"
	}
	util.WithInterface(router, i.Name).Infof("admin %s", state)
	return nil
}

// Flap takes an interface down for hold and brings it back up. The
// interface is brought back up even when ctx is cancelled during the hold.
func (in *Injector) Flap(ctx context.Context, router, iface string, hold time.Duration) error {
	if err := in.SetInterfaceAdmin(ctx, router, iface, false); err != nil {
		return err
	}
	var waitErr error
	if hold > 0 {
		t := time.NewTimer(hold)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			waitErr = ctx.Err()
		}
	}
	upErr := in.SetInterfaceAdmin(context.WithoutCancel(ctx), router, iface, true)
	return errors.Join(waitErr, upErr)
}

// RestoreAll brings up every interface recorded as down.
func (in *Injector) RestoreAll(ctx context.Context) error {
	var errs []error
	for _, rt := range in.topo.Routers() {
		for _, i := range rt.Interfaces {
			if rt.AdminUp(i.Name) {
				continue
			}
			if err := in.SetInterfaceAdmin(ctx, rt.Name, i.Name, true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
