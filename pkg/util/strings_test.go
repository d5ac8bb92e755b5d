package util

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitCommaSeparated(t *testing.T) {
	if got := SplitCommaSeparated(""); got != nil {
		t.Errorf("empty input = %v, want nil", got)
	}
	got := SplitCommaSeparated("fe80::1, fe80::2,,")
	if diff := cmp.Diff([]string{"fe80::1", "fe80::2"}, got); diff != "" {
		t.Errorf("SplitCommaSeparated mismatch (-want +got):\n%s", diff)
	}
}

func TestNaturalLess(t *testing.T) {
	names := []string{"r2-r1-eth10", "r2-r1-eth2", "r2-r1-eth0", "r10", "r2", "r1-link1", "r1"}
	sort.Slice(names, func(i, j int) bool { return NaturalLess(names[i], names[j]) })
	want := []string{"r1", "r1-link1", "r2", "r2-r1-eth0", "r2-r1-eth2", "r2-r1-eth10", "r10"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("sort mismatch (-want +got):\n%s", diff)
	}
}
