package rib

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtconv/pkg/util"
)

// Mode selects how an expected nexthop set is matched.
type Mode string

const (
	// AllOf requires every expected nexthop to be observed.
	AllOf Mode = "all-of"
	// AnyOf requires at least one expected nexthop to be observed.
	AnyOf Mode = "any-of"
)

// Expectation is the target state of one prefix.
type Expectation struct {
	Prefix netip.Prefix
	// Count is the exact number of selected entries; zero leaves it unchecked.
	Count    int
	NextHops []string
	// Absent expects the prefix to have no entries at all.
	Absent   bool
	Protocol string
	Mode     Mode
	// Strict additionally requires every observed nexthop to be expected.
	Strict bool
}

// String formats the expectation for logs.
func (e Expectation) String() string {
	if e.Absent {
		return e.Prefix.String() + " absent"
	}
	var b strings.Builder
	b.WriteString(e.Prefix.String())
	if e.Count > 0 {
		fmt.Fprintf(&b, " x%d", e.Count)
	}
	if len(e.NextHops) > 0 {
		mode := e.Mode
		if mode == "" {
			mode = AllOf
		}
		fmt.Fprintf(&b, " %s %s", mode, strings.Join(e.NextHops, ","))
	}
	return b.String()
}

// MatchOption is implemented by the options accepted by Check.
type MatchOption interface {
	isMatchOption()
}

type anyOfOpt struct{}

func (*anyOfOpt) isMatchOption() {}

// WithAnyOf overrides the expectation's mode with AnyOf. Used while an ECMP
// set is still being built up.
func WithAnyOf() *anyOfOpt { return &anyOfOpt{} }

type strictOpt struct{}

func (*strictOpt) isMatchOption() {}

// WithStrict rejects observed nexthops that are not expected.
func WithStrict() *strictOpt { return &strictOpt{} }

type protocolOpt struct{ name string }

func (*protocolOpt) isMatchOption() {}

// WithProtocol only considers entries learned from the named protocol.
func WithProtocol(name string) *protocolOpt { return &protocolOpt{name: name} }

func (e Expectation) with(opts []MatchOption) Expectation {
	for _, o := range opts {
		switch v := o.(type) {
		case *anyOfOpt:
			e.Mode = AnyOf
		case *strictOpt:
			e.Strict = true
		case *protocolOpt:
			e.Protocol = v.name
		}
	}
	if e.Mode == "" {
		e.Mode = AllOf
	}
	return e
}

// Outcome is the result of checking one expectation.
type Outcome struct {
	Expectation Expectation
	OK          bool
	Reason      string
	Want        []string // normalized expected nexthops
	Got         []string // normalized observed nexthops
	Entries     int
}

func (o *Outcome) String() string {
	if o.OK {
		return o.Expectation.String() + ": ok"
	}
	return o.Expectation.String() + ": " + o.Reason
}

// Check evaluates one expectation against a snapshot. The error is non-nil
// only when the expectation itself cannot be normalized; it wraps
// util.ErrResolutionUnavailable when retrying may help.
func Check(n *Normalizer, observed *ObservedRouteSet, exp Expectation, opts ...MatchOption) (*Outcome, error) {
	exp = exp.with(opts)
	out := &Outcome{Expectation: exp}
	router := ""
	if observed != nil {
		router = observed.Router
	}

	all := observed.Entries(exp.Prefix, exp.Protocol)
	if exp.Absent {
		out.Entries = len(all)
		out.OK = len(all) == 0
		if !out.OK {
			out.Got = n.observedSet(router, all)
			out.Reason = fmt.Sprintf("withdrawn prefix still has %d entries via %s", len(all), strings.Join(out.Got, ", "))
		}
		return out, nil
	}

	want, err := n.expectedSet(router, exp.NextHops)
	if err != nil {
		return nil, err
	}
	out.Want = want

	var selected []Entry
	for _, e := range all {
		if e.Selected {
			selected = append(selected, e)
		}
	}
	out.Entries = len(selected)
	out.Got = n.observedSet(router, selected)

	switch {
	case len(selected) == 0:
		out.Reason = "prefix not present"
	case exp.Count > 0 && len(selected) != exp.Count:
		out.Reason = fmt.Sprintf("have %d entries, want %d", len(selected), exp.Count)
	case len(want) == 0:
		out.OK = true
	case exp.Mode == AnyOf && !intersects(want, out.Got):
		out.Reason = fmt.Sprintf("none of the expected nexthops observed (-want +got):\n%s", cmp.Diff(want, out.Got))
	case exp.Mode != AnyOf && !subset(want, out.Got):
		out.Reason = fmt.Sprintf("missing expected nexthops (-want +got):\n%s", cmp.Diff(want, out.Got))
	case exp.Strict && !subset(out.Got, want):
		out.Reason = fmt.Sprintf("unexpected nexthops (-want +got):\n%s", cmp.Diff(want, out.Got))
	default:
		out.OK = true
	}
	return out, nil
}

// Matches reports whether the snapshot satisfies exp. Expectations that
// cannot be normalized never match.
func Matches(n *Normalizer, observed *ObservedRouteSet, exp Expectation, opts ...MatchOption) bool {
	o, err := Check(n, observed, exp, opts...)
	return err == nil && o.OK
}

// CheckAll evaluates every expectation and reports whether all passed.
func CheckAll(n *Normalizer, observed *ObservedRouteSet, exps []Expectation, opts ...MatchOption) ([]*Outcome, bool, error) {
	ok := true
	outs := make([]*Outcome, 0, len(exps))
	for _, e := range exps {
		o, err := Check(n, observed, e, opts...)
		if err != nil {
			return outs, false, fmt.Errorf("%s: %w", e.Prefix, err)
		}
		ok = ok && o.OK
		outs = append(outs, o)
	}
	return outs, ok, nil
}

// Retryable reports whether a Check error may clear on a later poll.
func Retryable(err error) bool {
	return errors.Is(err, util.ErrResolutionUnavailable)
}

// Expand repeats tmpl for each of count consecutive prefixes starting at
// network, as written in static route and network intents.
func Expand(network string, count int, tmpl Expectation) ([]Expectation, error) {
	prefixes, err := util.ExpandPrefixes(network, count)
	if err != nil {
		return nil, err
	}
	out := make([]Expectation, 0, len(prefixes))
	for _, p := range prefixes {
		e := tmpl
		e.Prefix = p
		e.NextHops = append([]string(nil), tmpl.NextHops...)
		out = append(out, e)
	}
	return out, nil
}

func (n *Normalizer) observedSet(router string, entries []Entry) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		var id string
		if n == nil {
			id = literal(e.NextHop)
		} else {
			id = n.Observed(router, e.NextHop)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (n *Normalizer) expectedSet(router string, specs []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, s := range specs {
		var id string
		if n == nil {
			id = literalSpec(s)
		} else {
			var err error
			if id, err = n.Expected(router, s); err != nil {
				return nil, err
			}
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// literal is the identity used without a topology.
func literal(nh NextHop) string {
	switch {
	case nh.IP.IsValid() && nh.IP.IsLinkLocalUnicast():
		return "ll:" + nh.IP.String()
	case nh.IP.IsValid():
		return "addr:" + nh.IP.String()
	}
	return "if:" + nh.Interface
}

func literalSpec(s string) string {
	if a, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
		return literal(NextHop{IP: a.Unmap()})
	}
	return "if:" + strings.TrimSpace(s)
}

func subset(a, b []string) bool {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	for _, s := range a {
		if !in[s] {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	for _, s := range a {
		if in[s] {
			return true
		}
	}
	return false
}
