// Package pipeline runs the capture, classify, aggregate and flush loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"styx-dpi/internal/capture"
	"styx-dpi/internal/engine/classifier"
	"styx-dpi/internal/engine/flowaggregator"
	"styx-dpi/internal/engine/protocol"
	"styx-dpi/internal/metrics"
)

// ErrFeedEnded is returned when the capture feed reaches the end of its
// input. A live capture never ends on its own, so this is fatal for it.
var ErrFeedEnded = errors.New("capture feed ended")

// CaptureError reports a capture feed that failed.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed: %v", e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Flusher persists one window.
type Flusher interface {
	Flush(ctx context.Context, table flowaggregator.Table) error
}

// Config holds the pipeline settings.
type Config struct {
	FlushInterval time.Duration
	// LineBuffer is the number of capture lines queued ahead of parsing.
	LineBuffer int
}

// Pipeline connects a capture feed to the aggregator and the sink.
type Pipeline struct {
	feed       capture.Feed
	classifier *classifier.Classifier
	aggregator *flowaggregator.FlowAggregator
	sink       Flusher
	cfg        Config
	log        logrus.FieldLogger
	now        func() time.Time
}

// New creates a pipeline.
func New(feed capture.Feed, cls *classifier.Classifier, agg *flowaggregator.FlowAggregator, sink Flusher, cfg Config, log logrus.FieldLogger) *Pipeline {
	if cfg.LineBuffer <= 0 {
		cfg.LineBuffer = 1024
	}
	return &Pipeline{
		feed:       feed,
		classifier: cls,
		aggregator: agg,
		sink:       sink,
		cfg:        cfg,
		log:        log.WithField("component", "pipeline"),
		now:        time.Now,
	}
}

// Run processes the feed until ctx is cancelled, the feed ends or a window
// cannot be stored. The partial window is flushed before Run returns, except
// after a store failure. Cancellation returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.cfg.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be a positive duration")
	}

	lines := make(chan string, p.cfg.LineBuffer)
	captureDone := make(chan struct{})
	storeFailed := false
	// Flushes outlive cancellation; the sink bounds each one by its retry policy.
	flushCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)
		err := p.feed.Run(gctx, lines)
		if gctx.Err() != nil {
			return nil
		}
		if err != nil {
			return &CaptureError{Err: err}
		}
		return ErrFeedEnded
	})

	g.Go(func() error {
		defer close(captureDone)
		for line := range lines {
			p.process(line)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.flush(flushCtx); err != nil {
					storeFailed = true
					return err
				}
			case <-captureDone:
				return nil
			}
		}
	})

	err := g.Wait()
	if storeFailed {
		return err
	}

	p.log.Info("capture stopped, flushing final window")
	if ferr := p.flush(flushCtx); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

func (p *Pipeline) process(line string) {
	rec, err := protocol.ParseLine(line)
	if err != nil {
		metrics.CaptureLinesTotal.WithLabelValues("skipped").Inc()
		p.log.WithError(err).Trace("line skipped")
		return
	}
	rec.Timestamp = p.now()

	r, ok := p.classifier.Classify(rec)
	if !ok {
		metrics.CaptureLinesTotal.WithLabelValues("out_of_scope").Inc()
		return
	}
	metrics.CaptureLinesTotal.WithLabelValues("parsed").Inc()
	p.aggregator.Add(r, rec.Timestamp)
}

func (p *Pipeline) flush(ctx context.Context) error {
	table := p.aggregator.Swap()
	metrics.ActiveFlows.Set(float64(len(table)))
	err := p.sink.Flush(ctx, table)
	p.aggregator.Recycle(table)
	return err
}
