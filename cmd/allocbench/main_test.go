package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/bench"
	"github.com/feellmoose/allocbench/internal/session"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "run",
		"--allocator", "pooled-reference,heap",
		"--size", "0,100",
		"--clients", "2",
		"--duration", "100ms",
		"--url", "inproc://cli-run",
		"--log-level", "error",
	)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "pooled-reference"))
	assert.True(t, strings.HasPrefix(lines[1], "heap"))
	assert.Contains(t, lines[2], "size=100")
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "run", "--clients=-1", "--allocator", "nope", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clients must be positive")
	assert.Contains(t, err.Error(), "invalid allocator")
}

func TestDashboard(t *testing.T) {
	counters := &alloc.Counters{}
	a, err := alloc.New("pooled-reference", alloc.WithMetrics(counters))
	require.NoError(t, err)
	defer a.Close()

	sess, err := session.New(bench.NewAllocatorFactory(a, bench.WithURL("inproc://cli-dashboard")))
	require.NoError(t, err)
	defer func() {
		sess.Stop()
		<-sess.Terminated()
	}()

	var out bytes.Buffer
	d := &dashboard{out: &out, url: "inproc://cli-dashboard", sess: sess, arena: a, counters: counters}
	d.print()
	time.Sleep(10 * time.Millisecond)
	d.print()

	s := out.String()
	assert.NotContains(t, s, "\033[2J")
	assert.Contains(t, s, "allocbench server inproc://cli-dashboard")
	assert.Contains(t, s, "State: running")
	assert.Contains(t, s, "RECLAMATION (pooled-reference)")
	assert.Contains(t, s, "Receive rate:")
}
