package collector

import (
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/model"
	"github.com/mrzor/lineage-sensor/internal/timesync"
)

// ProcessPublisher receives raw observations. *pipeline.Pipeline implements it.
type ProcessPublisher interface {
	PublishProcess(raw *model.RawProcess) *model.ProcessInstance
}

// Describer reads details of a running process from the host.
type Describer interface {
	Describe(pid uint32) (*model.RawProcess, error)
}

// Translator turns BPF events into raw process observations.
type Translator struct {
	clock     *timesync.Converter
	host      Describer
	publisher ProcessPublisher
	log       *zap.Logger
}

// NewTranslator returns a Translator. host may be nil, in which case exec observations carry
// only what the kernel event has.
func NewTranslator(clock *timesync.Converter, host Describer, publisher ProcessPublisher, logger *zap.Logger) *Translator {
	return &Translator{clock: clock, host: host, publisher: publisher, log: logger.Named("translate")}
}

// HandleEvent implements EventHandler.
func (t *Translator) HandleEvent(ev *Event) {
	raw := t.Translate(ev)
	if raw == nil {
		t.log.Debug("ignoring event", zap.Uint8("type", ev.Type), zap.Uint32("pid", ev.Pid))
		return
	}
	t.publisher.PublishProcess(raw)
}

// Translate converts ev, or returns nil for event types the pipeline does not take.
func (t *Translator) Translate(ev *Event) *model.RawProcess {
	raw := &model.RawProcess{
		Pid:          ev.Pid,
		ParentPid:    ev.Ppid,
		EventTimeUtc: t.clock.ToEventTime(ev.Timestamp),
		Name:         ev.CommString(),
	}

	switch ev.Type {
	case EventExec:
		raw.Activity = model.ActivityStart
		t.enrich(raw)
	case EventExit:
		raw.Activity = model.ActivityStop
	default:
		return nil
	}
	return raw
}

// enrich fills path, command line and user from the host while the process is still there.
func (t *Translator) enrich(raw *model.RawProcess) {
	if t.host == nil {
		return
	}
	live, err := t.host.Describe(raw.Pid)
	if err != nil {
		// Short-lived: exited before we looked.
		return
	}
	raw.Path = live.Path
	raw.CommandLine = live.CommandLine
	raw.Arguments = live.Arguments
	raw.User = live.User
	if live.Name != "" {
		raw.Name = live.Name
	}
}
