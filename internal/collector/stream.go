package collector

import (
	"context"
	"errors"
	"os"
	"sync/atomic"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
)

// RecordReader is the part of *ringbuf.Reader a Stream uses.
type RecordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// EventHandler consumes decoded events.
type EventHandler interface {
	HandleEvent(ev *Event)
}

// Stream reads events from a ring buffer and dispatches them to a handler.
type Stream struct {
	reader  RecordReader
	handler EventHandler
	log     *zap.Logger

	events    atomic.Uint64
	malformed atomic.Uint64
}

// NewStream returns a Stream over reader.
func NewStream(reader RecordReader, handler EventHandler, logger *zap.Logger) *Stream {
	return &Stream{reader: reader, handler: handler, log: logger.Named("collector")}
}

// Run reads until ctx is cancelled or the reader is closed. Cancelling ctx closes the reader.
func (s *Stream) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := s.reader.Close(); err != nil {
			s.log.Warn("closing ring buffer", zap.Error(err))
		}
	})
	defer stop()

	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrClosed) {
				s.log.Info("ring buffer closed",
					zap.Uint64("events", s.events.Load()),
					zap.Uint64("malformed", s.malformed.Load()))
				return nil
			}
			s.log.Warn("reading from ring buffer", zap.Error(err))
			continue
		}

		ev, err := DecodeEvent(record.RawSample)
		if err != nil {
			s.malformed.Add(1)
			s.log.Debug("dropping event", zap.Error(err))
			continue
		}
		s.events.Add(1)
		s.handler.HandleEvent(ev)
	}
}
