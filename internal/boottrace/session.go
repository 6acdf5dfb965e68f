package boottrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is returned when a session does not stop within its hard timeout.
var ErrTimeout = errors.New("boot trace session did not stop in time")

// Session controls a named kernel trace session.
type Session interface {
	Start(ctx context.Context, name string) error
	// Stop ends the session and returns the path of its finished log.
	Stop(ctx context.Context) (string, error)
}

// FileSession drives a boot tracer (lineage-sensor boottrace record) through files in Dir.
//
//	<name>.lsbt.part  the log while the tracer records
//	<name>.start      created by Start
//	<name>.stop       created by Stop, asks the tracer to flush and exit
//	<name>.lsbt       the finished log, renamed from .part by the tracer
type FileSession struct {
	Dir          string
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger

	name string
}

// LogPath returns the finished log file for the named session.
func (s *FileSession) LogPath(name string) string {
	return filepath.Join(s.Dir, name+".lsbt")
}

// PartialPath returns the log file the tracer appends to while recording.
func (s *FileSession) PartialPath(name string) string {
	return s.LogPath(name) + ".part"
}

// StopPath returns the file whose presence asks the tracer to stop.
func (s *FileSession) StopPath(name string) string {
	return filepath.Join(s.Dir, name+".stop")
}

// Ready reports an error unless a tracer has been recording the named session since boot.
func (s *FileSession) Ready(name string, boot time.Time) error {
	part := s.PartialPath(name)
	fi, err := os.Stat(part)
	if err != nil {
		return fmt.Errorf("no boot tracer: %w", err)
	}
	if fi.ModTime().Before(boot) {
		return fmt.Errorf("boot trace log %s predates boot at %s", part, boot.Format(time.RFC3339))
	}
	return nil
}

// Start clears the previous boot's requests and finished log, then requests recording for name.
func (s *FileSession) Start(_ context.Context, name string) error {
	_ = os.Remove(s.StopPath(name))
	_ = os.Remove(s.LogPath(name))
	if err := touch(filepath.Join(s.Dir, name+".start")); err != nil {
		return fmt.Errorf("start boot trace %q: %w", name, err)
	}
	s.name = name
	return nil
}

// Stop requests a flush and waits, at most Timeout, for the finished log.
func (s *FileSession) Stop(ctx context.Context) (string, error) {
	if s.name == "" {
		return "", errors.New("boot trace session not started")
	}
	log := s.logger()

	if err := touch(s.StopPath(s.name)); err != nil {
		return "", fmt.Errorf("stop boot trace %q: %w", s.name, err)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	poll := s.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := s.LogPath(s.name)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}

		if _, err := os.Stat(path); err != nil {
			log.Debug("waiting for boot trace log", zap.String("path", path), zap.Error(err))
			continue
		}
		_ = os.Remove(filepath.Join(s.Dir, s.name+".start"))
		return path, nil
	}
}

func (s *FileSession) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	return f.Close()
}
