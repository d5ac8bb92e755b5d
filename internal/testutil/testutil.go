// Package testutil provides the simulated fabric and helpers shared by the
// package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/newtron-network/newtconv/pkg/topology"
)

// ProjectRoot returns the absolute path to the project root.
func ProjectRoot() string {
	_, thisFile, _, _ := runtime.Caller(0)
	dir := filepath.Dir(thisFile)
	return filepath.Join(dir, "..", "..")
}

// SuitePath returns the absolute path to a file under newtconv/suites/.
func SuitePath(elem ...string) string {
	return filepath.Join(append([]string{ProjectRoot(), "newtconv", "suites"}, elem...)...)
}

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustEnv returns the value of an environment variable or fails the test.
func MustEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("required environment variable %s not set", key)
	}
	return v
}

// Topology parses an inline topology description or fails the test.
func Topology(t *testing.T, doc string) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parsing topology: %v", err)
	}
	return topo
}

// StartFabric builds and starts a fabric for topo. It is stopped on cleanup.
func StartFabric(t *testing.T, topo *topology.Topology) *Fabric {
	t.Helper()
	f := NewFabric(topo)
	if err := f.Start(context.Background(), topo); err != nil {
		t.Fatalf("starting fabric: %v", err)
	}
	t.Cleanup(func() { f.Stop(context.Background()) })
	return f
}
