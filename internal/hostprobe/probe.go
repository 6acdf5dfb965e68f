// Package hostprobe answers questions about the host operating system: which processes are
// alive, when the host booted, who owns a process. It is backed by gopsutil (procfs on Linux).
package hostprobe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/model"
)

// ErrNoSuchProcess is returned by Describe when pid is not running.
var ErrNoSuchProcess = errors.New("no such process")

// Probe is the host view used by the pipeline, pruning and startup reconstruction.
type Probe interface {
	IsAlive(pid uint32) bool
	LiveProcesses() (map[uint32]string, error)
	BootTime() (time.Time, error)
	Hostname() (string, error)
	Username(pid uint32) (string, error)
	// Describe builds a refresh observation for a running process.
	Describe(pid uint32) (*model.RawProcess, error)
	// Processes lists the PIDs currently running.
	Processes() ([]uint32, error)
}

// Host implements Probe against the local machine.
type Host struct {
	ctx context.Context
	log *zap.Logger
}

// New returns a Probe for the local host.
func New(ctx context.Context, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{ctx: ctx, log: logger.Named("hostprobe")}
}

// IsAlive reports whether pid is currently running.
func (h *Host) IsAlive(pid uint32) bool {
	ok, err := process.PidExistsWithContext(h.ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		h.log.Debug("pid exists check failed", zap.Uint32("pid", pid), zap.Error(err))
		return false
	}
	return ok
}

// LiveProcesses returns the name of each running process keyed by PID.
func (h *Host) LiveProcesses() (map[uint32]string, error) {
	procs, err := process.ProcessesWithContext(h.ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make(map[uint32]string, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(h.ctx)
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		out[uint32(p.Pid)] = name //nolint:gosec // pids are positive
	}
	return out, nil
}

// Processes lists running PIDs.
func (h *Host) Processes() ([]uint32, error) {
	pids, err := process.PidsWithContext(h.ctx)
	if err != nil {
		return nil, fmt.Errorf("list pids: %w", err)
	}
	out := make([]uint32, 0, len(pids))
	for _, pid := range pids {
		out = append(out, uint32(pid)) //nolint:gosec // pids are positive
	}
	return out, nil
}

// BootTime returns when the host booted.
func (h *Host) BootTime() (time.Time, error) {
	secs, err := host.BootTimeWithContext(h.ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("boot time: %w", err)
	}
	return time.Unix(int64(secs), 0).UTC(), nil //nolint:gosec // seconds since epoch
}

// Hostname returns the host name, preferring gopsutil's view and falling back to the kernel's.
func (h *Host) Hostname() (string, error) {
	info, err := host.InfoWithContext(h.ctx)
	if err == nil && info.Hostname != "" {
		return info.Hostname, nil
	}
	return os.Hostname()
}

// Username returns the owner of pid.
func (h *Host) Username(pid uint32) (string, error) {
	p, err := h.process(pid)
	if err != nil {
		return "", err
	}
	return p.UsernameWithContext(h.ctx)
}

// Describe reads pid's current state as a refresh observation. Its EventTimeUtc is the process
// create time, so re-describing the same process always produces the same identity.
func (h *Host) Describe(pid uint32) (*model.RawProcess, error) {
	p, err := h.process(pid)
	if err != nil {
		return nil, err
	}

	created, err := p.CreateTimeWithContext(h.ctx)
	if err != nil {
		return nil, fmt.Errorf("create time of %d: %w", pid, err)
	}

	raw := &model.RawProcess{
		Pid:          pid,
		EventTimeUtc: time.UnixMilli(created).UnixNano(),
		Activity:     model.ActivityRefresh,
	}

	if ppid, err := p.PpidWithContext(h.ctx); err == nil {
		raw.ParentPid = uint32(ppid) //nolint:gosec // pids are positive
	}
	if exe, err := p.ExeWithContext(h.ctx); err == nil {
		raw.Path = exe
	}
	if name, err := p.NameWithContext(h.ctx); err == nil {
		raw.Name = name
	} else if raw.Path != "" {
		raw.Name = filepath.Base(raw.Path)
	}
	if args, err := p.CmdlineSliceWithContext(h.ctx); err == nil && len(args) > 0 {
		raw.CommandLine, raw.Arguments = JoinArgs(args)
	}
	if user, err := p.UsernameWithContext(h.ctx); err == nil {
		raw.User = user
	}
	return raw, nil
}

func (h *Host) process(pid uint32) (*process.Process, error) {
	p, err := process.NewProcessWithContext(h.ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
		}
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return p, nil
}
