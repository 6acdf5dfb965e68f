package boottrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/model"
)

// Recorder is the tracer side of a FileSession. It takes process start observations, the
// same ones the pipeline gets from a collector, and appends each as a ProcessStart and an
// ImageLoad record to the session's partial log.
type Recorder struct {
	session *FileSession
	name    string
	file    *os.File
	log     *zap.Logger

	mu      sync.Mutex
	w       *Writer
	records int
	err     error
}

// NewRecorder creates the partial log for name, replacing one left by a previous boot.
func NewRecorder(session *FileSession, name string) (*Recorder, error) {
	if err := os.MkdirAll(session.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("boot trace dir: %w", err)
	}
	_ = os.Remove(session.StopPath(name))
	_ = os.Remove(session.LogPath(name))

	f, err := os.Create(session.PartialPath(name))
	if err != nil {
		return nil, fmt.Errorf("create boot trace log: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Recorder{session: session, name: name, file: f, w: w, log: session.logger()}, nil
}

// PublishProcess records start observations and ignores the rest. It always returns nil.
func (r *Recorder) PublishProcess(raw *model.RawProcess) *model.ProcessInstance {
	if raw.Activity != model.ActivityStart {
		return nil
	}
	image := raw.Path
	if image == "" || image == model.NotAvailable {
		image = raw.Name
	}
	if len(image) > maxImagePath {
		image = image[:maxImagePath]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil || r.err != nil {
		return nil
	}
	if err := r.w.Write(&ProcessStart{Pid: raw.Pid, ParentPid: raw.ParentPid, CreateTime: raw.EventTimeUtc}); err != nil {
		r.err = err
		return nil
	}
	if err := r.w.Write(&ImageLoad{Pid: raw.Pid, Timestamp: raw.EventTimeUtc, ImagePath: image}); err != nil {
		r.err = err
		return nil
	}
	r.records++
	return nil
}

// Records returns the number of processes recorded.
func (r *Recorder) Records() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records
}

// Wait blocks until the session's stop file appears or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	poll := r.session.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(r.session.StopPath(r.name)); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Finish flushes the partial log and publishes it under the finished name. Observations
// published afterwards are dropped.
func (r *Recorder) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errors.New("boot trace recorder already finished")
	}

	err := r.err
	if err == nil {
		err = r.w.Flush()
	}
	r.w = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write boot trace log: %w", err)
	}

	if err := os.Rename(r.session.PartialPath(r.name), r.session.LogPath(r.name)); err != nil {
		return fmt.Errorf("publish boot trace log: %w", err)
	}
	r.log.Info("boot trace log written", zap.String("path", r.session.LogPath(r.name)), zap.Int("processes", r.records))
	return nil
}

// Abort discards the partial log so the sensor does not wait on a tracer that is not running.
func (r *Recorder) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	r.w = nil
	_ = r.file.Close()
	return os.Remove(r.session.PartialPath(r.name))
}
