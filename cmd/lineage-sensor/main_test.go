package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/lineage-sensor/internal/boottrace"
	"github.com/mrzor/lineage-sensor/internal/config"
	"github.com/mrzor/lineage-sensor/internal/hostprobe"
	"github.com/mrzor/lineage-sensor/internal/identity"
	"github.com/mrzor/lineage-sensor/internal/lineage"
	"github.com/mrzor/lineage-sensor/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", false)
	assert.NoError(t, err)
	_, err = newLogger("warn", true)
	assert.NoError(t, err)
	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestBootTraceReplayCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.lsbt")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := boottrace.NewWriter(f)
	require.NoError(t, err)
	require.NoError(t, w.Write(&boottrace.ProcessStart{Pid: 10, ParentPid: 4, CreateTime: 100}))
	require.NoError(t, w.Write(&boottrace.ImageLoad{Pid: 10, Timestamp: 101, ImagePath: "/sbin/init"}))
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	out, err := execute(t, "boottrace", "replay", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"ImagePath":"/sbin/init"`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestSnapshotShowCommand(t *testing.T) {
	hasher := identity.New("test", "host")
	tree := lineage.NewTree(zaptest.NewLogger(t))
	for _, s := range hasher.Sentinels().All() {
		require.NoError(t, tree.Add(s))
	}
	child := &model.ProcessInstance{
		Pid:           300,
		ParentPid:     model.KernelPid,
		PidHash:       hasher.Process(300, 10),
		ParentPidHash: hasher.Sentinels().Kernel.PidHash,
		ProcessName:   "sshd",
		EventTimeUtc:  10,
	}
	require.NoError(t, tree.Add(child))

	path := filepath.Join(t.TempDir(), "lineage.msgpack")
	require.NoError(t, lineage.WriteFile(path, tree))

	out, err := execute(t, "snapshot", "show", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "4 "))
	assert.Contains(t, out, "  300 sshd "+child.PidHash)
}

func TestRootCommand_RejectsBadAttribute(t *testing.T) {
	t.Setenv("SENSOR_SNAPSHOT_PATH", filepath.Join(t.TempDir(), "s"))
	_, err := execute(t, "--no-live", "--attr", "broken")
	assert.ErrorContains(t, err, "NAME=EXPR")
}

func TestBootSession_OnlyWithRunningTracer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	host := hostprobe.New(context.Background(), logger)
	cfg := &config.Config{BootTraceDir: t.TempDir(), BootTraceSession: "lineage-boot", BootTraceTimeout: time.Second}

	assert.Nil(t, bootSession(cfg, host, logger), "no tracer, no wait at startup")

	tracer := &boottrace.FileSession{Dir: cfg.BootTraceDir}
	require.NoError(t, os.WriteFile(tracer.PartialPath(cfg.BootTraceSession), nil, 0o600))
	assert.NotNil(t, bootSession(cfg, host, logger))
}
