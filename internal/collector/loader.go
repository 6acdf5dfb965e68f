// Package collector is the live process collector: it loads a BPF object tracing exec and
// exit, reads its ring buffer and turns each event into a raw process observation.
package collector

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// Names the BPF object must export.
const (
	ProgramExec = "handle_exec"
	ProgramExit = "handle_exit"
	MapEvents   = "events"
)

// Loader owns the loaded collection and its tracepoint links.
type Loader struct {
	coll  *ebpf.Collection
	links []link.Link
}

// Load reads the compiled BPF object at path and loads it into the kernel.
func Load(path string) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("reading BPF object %s: %w", path, err)
	}
	for _, name := range []string{ProgramExec, ProgramExit} {
		if _, ok := spec.Programs[name]; !ok {
			return nil, fmt.Errorf("BPF object %s has no program %q", path, name)
		}
	}
	if _, ok := spec.Maps[MapEvents]; !ok {
		return nil, fmt.Errorf("BPF object %s has no map %q", path, MapEvents)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}
	return &Loader{coll: coll}, nil
}

// Attach attaches the exec and exit programs to their scheduler tracepoints.
func (l *Loader) Attach() error {
	for _, tp := range []struct{ event, prog string }{
		{"sched_process_exec", ProgramExec},
		{"sched_process_exit", ProgramExit},
	} {
		lk, err := link.Tracepoint("sched", tp.event, l.coll.Programs[tp.prog], nil)
		if err != nil {
			return l.closeErrorf(fmt.Sprintf("attaching %s tracepoint", tp.event), err)
		}
		l.links = append(l.links, lk)
	}
	return nil
}

// OpenRingBuffer opens a reader on the events map.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.coll.Maps[MapEvents])
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// closeErrorf drops the links attached so far and wraps e.
func (l *Loader) closeErrorf(msg string, e error) error {
	for _, lk := range l.links {
		_ = lk.Close() //nolint:errcheck // already failing
	}
	l.links = nil
	return fmt.Errorf("%s: %w", msg, e)
}

// Close detaches every link and unloads the collection.
func (l *Loader) Close() error {
	var errs []error
	for i := len(l.links) - 1; i >= 0; i-- {
		if err := l.links[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link: %w", err))
		}
	}
	l.links = nil
	l.coll.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
