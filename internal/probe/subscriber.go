package probe

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"styx-dpi/internal/config"
	"styx-dpi/internal/model"
)

// WindowHandler processes the rows of one received window.
type WindowHandler func(rows []model.TrafficRow)

// Subscriber receives windows published by a Publisher.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	log     logrus.FieldLogger
}

// NewSubscriber connects to the configured NATS server.
func NewSubscriber(cfg config.NATSConfig, log logrus.FieldLogger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("styx-dpi-watch"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log = log.WithField("component", "subscriber")
	log.WithField("url", cfg.URL).Info("connected to NATS server")
	return &Subscriber{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Start subscribes to the subject and hands every decoded window to handler.
func (s *Subscriber) Start(handler WindowHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		rows, err := DecodeWindow(msg.Data)
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable window")
			return
		}
		handler(rows)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.WithField("subject", s.subject).Info("subscribed, waiting for windows")
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.log.Info("NATS connection closed")
	}
}
