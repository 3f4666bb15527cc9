// Package factory creates the persistence writer named by the configuration.
package factory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"styx-dpi/internal/config"
	"styx-dpi/internal/model"
)

// WriterFactory builds a writer from the configuration.
type WriterFactory func(cfg *config.Config, log logrus.FieldLogger) (model.Writer, error)

var (
	mu sync.RWMutex
	// registry holds the mapping of store types to their factory functions.
	registry = make(map[string]WriterFactory)
)

// RegisterWriter registers a store type with its factory function. Writer
// packages call it from init.
func RegisterWriter(name string, factory WriterFactory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("store type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered returns the registered store types in order.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the writer for cfg.Store.Type.
func Create(cfg *config.Config, log logrus.FieldLogger) (model.Writer, error) {
	mu.RLock()
	factory, ok := registry[cfg.Store.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store type: '%s'", cfg.Store.Type)
	}

	log.WithField("store", cfg.Store.Type).Info("creating writer")
	w, err := factory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("error creating store '%s': %w", cfg.Store.Type, err)
	}
	return w, nil
}
