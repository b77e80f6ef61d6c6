//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	logx "warden/pkg/logx"
)

func startSleeper(t *testing.T) int {
	t.Helper()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}

func rlimitOf(t *testing.T, pid, res int) uint64 {
	t.Helper()
	var r unix.Rlimit
	require.NoError(t, unix.Prlimit(pid, res, nil, &r))
	return r.Cur
}

// niceOf reads field 19 of /proc/<pid>/stat.
func niceOf(t *testing.T, pid int) int {
	t.Helper()
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	require.NoError(t, err)
	rest := string(b[strings.LastIndexByte(string(b), ')')+2:])
	n, err := strconv.Atoi(strings.Fields(rest)[16])
	require.NoError(t, err)
	return n
}

func TestProcessContainmentAppliesHardLimits(t *testing.T) {
	pid := startSleeper(t)
	ctx := context.Background()
	c := NewProcessContainment(logx.Nop())

	b, err := c.Create(ctx, Limits{
		CPU:      {Hard: 50, Action: ActionThrottle},
		Memory:   {Hard: 512 * mb, Action: ActionTerminate},
		Handles:  {Hard: 64, Action: ActionSuspend},
		Children: {Hard: 1, Action: ActionTerminate},
	})
	require.NoError(t, err)
	require.NoError(t, b.Assign(ctx, pid))
	defer b.Close()

	assert.Equal(t, uint64(512*mb), rlimitOf(t, pid, unix.RLIMIT_AS))
	assert.Equal(t, uint64(64), rlimitOf(t, pid, unix.RLIMIT_NOFILE))
	assert.Equal(t, 10, niceOf(t, pid))
	assert.Equal(t, []ResourceType{CPU, Memory, Handles}, b.(Enforcer).Enforced())
}

func TestProtectedProcessGetsNoHardLimits(t *testing.T) {
	ctx := context.Background()
	self := os.Getpid()
	before := rlimitOf(t, self, unix.RLIMIT_AS)

	c := NewProcessContainment(logx.Nop())
	b, err := c.Create(ctx, Limits{Memory: {Hard: 64 * mb, Action: ActionTerminate}})
	require.NoError(t, err)
	require.NoError(t, b.Assign(ctx, self))
	defer b.Close()

	assert.Equal(t, before, rlimitOf(t, self, unix.RLIMIT_AS))
	assert.Empty(t, b.(Enforcer).Enforced())
}
