// Package probe fans persisted windows out over NATS.
package probe

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"styx-dpi/internal/config"
	"styx-dpi/internal/model"
)

// Publisher publishes every persisted window to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	log     logrus.FieldLogger
}

// NewPublisher connects to the configured NATS server.
func NewPublisher(cfg config.NATSConfig, log logrus.FieldLogger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("styx-dpi"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log = log.WithField("component", "publisher")
	log.WithField("url", cfg.URL).Info("connected to NATS server")
	return &Publisher{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Publish serializes one window and publishes it to the configured subject.
func (p *Publisher) Publish(_ context.Context, rows []model.TrafficRow) error {
	data, err := EncodeWindow(rows)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish window: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.log.WithError(err).Warn("NATS drain failed")
		}
		p.log.Info("NATS connection drained and closed")
	}
}
