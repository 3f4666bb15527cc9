package factory

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"styx-dpi/internal/config"
	"styx-dpi/internal/model"
)

type nopWriter struct{}

func (nopWriter) Write(context.Context, []model.TrafficRow) error { return nil }
func (nopWriter) Close() error                                  { return nil }

func TestCreate(t *testing.T) {
	RegisterWriter("factory-test-nop", func(*config.Config, logrus.FieldLogger) (model.Writer, error) {
		return nopWriter{}, nil
	})
	RegisterWriter("factory-test-broken", func(*config.Config, logrus.FieldLogger) (model.Writer, error) {
		return nil, errors.New("no route to store")
	})
	assert.Contains(t, Registered(), "factory-test-nop")

	log := logrus.New()
	cfg := &config.Config{}

	cfg.Store.Type = "factory-test-nop"
	w, err := Create(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, nopWriter{}, w)

	cfg.Store.Type = "factory-test-broken"
	_, err = Create(cfg, log)
	assert.ErrorContains(t, err, "no route to store")

	cfg.Store.Type = "factory-test-missing"
	_, err = Create(cfg, log)
	assert.ErrorContains(t, err, "unknown store type")
}

func TestRegisterWriter_DuplicatePanics(t *testing.T) {
	f := func(*config.Config, logrus.FieldLogger) (model.Writer, error) { return nopWriter{}, nil }
	RegisterWriter("factory-test-dup", f)
	assert.Panics(t, func() { RegisterWriter("factory-test-dup", f) })
}
