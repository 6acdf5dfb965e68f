package hostprobe

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/lineage-sensor/internal/model"
)

func TestJoinArgs(t *testing.T) {
	tests := []struct {
		name        string
		argv        []string
		wantCmdline string
		wantArgs    string
	}{
		{"single", []string{"/bin/ls"}, "/bin/ls", ""},
		{"plain", []string{"ls", "-la", "/tmp"}, "ls -la /tmp", "-la /tmp"},
		{"spaces", []string{"sh", "-c", "echo hi"}, `sh -c "echo hi"`, `-c "echo hi"`},
		{"empty arg", []string{"prog", ""}, `prog ""`, `""`},
		{"quote", []string{"prog", `a"b`}, `prog "a\"b"`, `"a\"b"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmdline, args := JoinArgs(tt.argv)
			assert.Equal(t, tt.wantCmdline, cmdline)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestHost_Self(t *testing.T) {
	h := New(context.Background(), zaptest.NewLogger(t))
	self := uint32(os.Getpid()) //nolint:gosec // test pid

	assert.True(t, h.IsAlive(self))

	live, err := h.LiveProcesses()
	require.NoError(t, err)
	assert.Contains(t, live, self)

	pids, err := h.Processes()
	require.NoError(t, err)
	assert.Contains(t, pids, self)

	raw, err := h.Describe(self)
	require.NoError(t, err)
	assert.Equal(t, self, raw.Pid)
	assert.Equal(t, model.ActivityRefresh, raw.Activity)
	assert.NotEmpty(t, raw.Path)
	assert.Equal(t, uint32(os.Getppid()), raw.ParentPid) //nolint:gosec // test pid

	again, err := h.Describe(self)
	require.NoError(t, err)
	assert.Equal(t, raw.EventTimeUtc, again.EventTimeUtc, "create time is stable")

	boot, err := h.BootTime()
	require.NoError(t, err)
	assert.True(t, boot.Before(time.Now()))

	name, err := h.Hostname()
	require.NoError(t, err)
	assert.NotEmpty(t, name)
}

func TestHost_MissingProcess(t *testing.T) {
	h := New(context.Background(), zaptest.NewLogger(t))
	const bogus = 0x7FFFFFF0

	assert.False(t, h.IsAlive(bogus))
	_, err := h.Describe(bogus)
	assert.Error(t, err)
}
