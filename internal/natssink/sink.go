// Package natssink forwards enriched process records to NATS, one JSON message per record on
// "<subject>.<activity>".
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/model"
)

// Config holds the connection settings.
type Config struct {
	URL           string
	Subject       string
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// Sink is a bus subscriber publishing to NATS. Delivery is at most once.
type Sink struct {
	nc      *nats.Conn
	pub     publisher
	subject string
	log     *zap.Logger
}

// Connect dials the server in cfg and returns a Sink using it.
func Connect(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("natssink: subject is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	log := logger.Named("natssink")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS async error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s := newSink(nc, cfg.Subject, log)
	s.nc = nc
	return s, nil
}

func newSink(pub publisher, subject string, log *zap.Logger) *Sink {
	return &Sink{pub: pub, subject: subject, log: log}
}

// Name implements bus.Subscriber.
func (s *Sink) Name() string { return "nats" }

// Handle implements bus.Subscriber.
func (s *Sink) Handle(_ context.Context, rec *model.ProcessInstance) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.PidHash, err)
	}
	subject := Subject(s.subject, rec.Activity)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *Sink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

// Subject returns the subject a record with activity a is published on.
func Subject(prefix string, a model.ActivityKind) string {
	return prefix + "." + a.String()
}
