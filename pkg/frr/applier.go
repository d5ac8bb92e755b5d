package frr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newtron-network/newtconv/pkg/audit"
	"github.com/newtron-network/newtconv/pkg/device"
	"github.com/newtron-network/newtconv/pkg/intent"
	"github.com/newtron-network/newtconv/pkg/topology"
	"github.com/newtron-network/newtconv/pkg/util"
)

// Applier pushes intents to routers and records the resulting configuration
// on the topology.
type Applier struct {
	topo *topology.Topology
	ch   device.Channel
}

// NewApplier creates an applier for topo that configures routers through ch.
func NewApplier(topo *topology.Topology, ch device.Channel) *Applier {
	return &Applier{topo: topo, ch: ch}
}

// Plan renders the change sets for a batch without touching any router.
// Routers whose configuration would not change are omitted.
func (a *Applier) Plan(set intent.Set) ([]*ChangeSet, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	desired := make(map[string]*intent.Router, len(set))
	current := make(map[string]*intent.Router, len(set))
	for _, name := range set.Routers() {
		r, err := a.topo.Router(name)
		if err != nil {
			return nil, err
		}
		current[name] = r.Config()
		d, err := intent.Merge(current[name], set[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		desired[name] = d
	}

	// The recorded side of the diff uses what peers run now. The desired
	// side uses the batch's result, falling back to the last known AS of a
	// peer whose BGP instance is gone so that neighbors towards it still
	// render.
	was := a.knownAS
	will := func(peer string) intent.ASN {
		if d, ok := desired[peer]; ok && d.BGP != nil && d.BGP.LocalAS != 0 {
			return d.BGP.LocalAS
		}
		return a.knownAS(peer)
	}

	var out []*ChangeSet
	var errs []error
	for _, name := range set.Routers() {
		stmts, err := Render(a.topo, name, current[name], desired[name], was, will)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cs := NewChangeSet(name)
		cs.Statements = append(cs.Statements, stmts...)
		cs.desired = desired[name]
		out = append(out, cs)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// knownAS is the AS a router runs, or ran according to the topology when
// nothing is recorded.
func (a *Applier) knownAS(router string) intent.ASN {
	r, err := a.topo.Router(router)
	if err != nil {
		return 0
	}
	if cfg := r.Config(); cfg.BGP != nil && cfg.BGP.LocalAS != 0 {
		return cfg.BGP.LocalAS
	}
	if r.Initial != nil && r.Initial.BGP != nil {
		return r.Initial.BGP.LocalAS
	}
	return 0
}

// Apply renders and applies a batch. Routers are configured in name order,
// each router's statements in order. A rejected statement aborts the rest
// of that router's batch without rolling back what was applied; other
// routers still proceed. A router's recorded configuration is updated only
// when its whole batch succeeded. The returned error joins every router's
// failure.
func (a *Applier) Apply(ctx context.Context, set intent.Set) error {
	plan, err := a.Plan(set)
	if err != nil {
		return err
	}
	var errs []error
	for _, cs := range plan {
		if err := a.ApplyChangeSet(ctx, cs); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// ApplyChangeSet applies one router's statements and records its new
// configuration. Non-empty change sets are journalled, up to and including
// the statement that failed.
func (a *Applier) ApplyChangeSet(ctx context.Context, cs *ChangeSet) error {
	start := time.Now()
	sent, err := a.applyChangeSet(ctx, cs)
	if !cs.IsEmpty() {
		audit.Log(audit.NewEvent(cs.Router, audit.OpConfigure).
			WithStatements(cs.Statements[:sent]).
			WithResult(err).
			WithDuration(start))
	}
	return err
}

func (a *Applier) applyChangeSet(ctx context.Context, cs *ChangeSet) (int, error) {
	r, err := a.topo.Router(cs.Router)
	if err != nil {
		return 0, err
	}
	log := util.WithRouter(cs.Router)
	for i, stmt := range cs.Statements {
		log.Debugf("configure %s", stmt)
		if err := a.ch.Configure(ctx, cs.Router, stmt); err != nil {
			var rej *util.ConfigRejectedError
			if errors.As(err, &rej) {
				log.Warnf("statement %d of %d rejected: %s", i+1, len(cs.Statements), stmt)
				return i + 1, err
			}
			return i + 1, fmt.Errorf("%s: configure %q: %w", cs.Router, stmt.String(), err)
		}
	}
	if cs.desired != nil {
		r.SetConfig(cs.desired)
	}
	if !cs.IsEmpty() {
		log.Infof("applied %d statements", len(cs.Statements))
	}
	return len(cs.Statements), nil
}
