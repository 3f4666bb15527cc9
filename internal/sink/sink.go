// Package sink turns a flushed window into traffic rows and persists them.
package sink

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"styx-dpi/internal/engine/flowaggregator"
	"styx-dpi/internal/metrics"
	"styx-dpi/internal/model"
)

// StoreError reports a window that could not be written after all retries.
type StoreError struct {
	Rows int
	// Failures is the number of consecutive windows that failed, this one included.
	Failures int
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failed for %d rows (%d consecutive failures): %v", e.Rows, e.Failures, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Config bounds the retry policy of the sink.
type Config struct {
	// MaxRetries is the number of extra attempts for one window.
	MaxRetries uint64
	// MaxConsecutiveFailures is the number of failed windows in a row that
	// makes Flush return a fatal StoreError. Earlier failures drop the window.
	MaxConsecutiveFailures int
}

// Sink writes windows through a model.Writer and optionally republishes them.
type Sink struct {
	writer    model.Writer
	publisher model.Publisher
	cfg       Config
	log       logrus.FieldLogger

	now      func() time.Time
	backOff  func() backoff.BackOff
	last     time.Time
	failures int
}

// New creates a sink. publisher may be nil.
func New(writer model.Writer, publisher model.Publisher, cfg Config, log logrus.FieldLogger) *Sink {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 1
	}
	return &Sink{
		writer:    writer,
		publisher: publisher,
		cfg:       cfg,
		log:       log.WithField("component", "sink"),
		now:       time.Now,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// Flush persists every non-empty accumulator of table as one batch. It
// returns a *StoreError only once the consecutive failure limit is reached.
func (s *Sink) Flush(ctx context.Context, table flowaggregator.Table) error {
	rows := s.Rows(table)
	if len(rows) == 0 {
		metrics.FlushesTotal.WithLabelValues("empty").Inc()
		return nil
	}

	start := time.Now()
	b := backoff.WithContext(backoff.WithMaxRetries(s.backOff(), s.cfg.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		return s.writer.Write(ctx, rows)
	}, b)
	metrics.FlushLatencySeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		s.failures++
		metrics.FlushesTotal.WithLabelValues("failed").Inc()
		serr := &StoreError{Rows: len(rows), Failures: s.failures, Err: err}
		if s.failures >= s.cfg.MaxConsecutiveFailures {
			return serr
		}
		s.log.WithError(serr).Warn("window dropped")
		return nil
	}

	s.failures = 0
	metrics.FlushesTotal.WithLabelValues("written").Inc()
	metrics.RowsWrittenTotal.Add(float64(len(rows)))
	s.log.WithField("rows", len(rows)).Debug("window flushed")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, rows); err != nil {
			s.log.WithError(err).Warn("failed to publish window")
		}
	}
	return nil
}

// Rows builds the rows of one window, stamped with the flush instant. Empty
// accumulators are skipped. Rows are ordered by local then remote address.
func (s *Sink) Rows(table flowaggregator.Table) []model.TrafficRow {
	accs := make([]*model.FlowAccumulator, 0, len(table))
	for _, acc := range table {
		if !acc.Empty() {
			accs = append(accs, acc)
		}
	}
	if len(accs) == 0 {
		return nil
	}
	slices.SortFunc(accs, func(a, b *model.FlowAccumulator) int {
		if c := a.Key.Local.Compare(b.Key.Local); c != 0 {
			return c
		}
		return a.Key.Remote.Compare(b.Key.Remote)
	})

	ts := s.stamp().Format(model.TimestampLayout)
	rows := make([]model.TrafficRow, 0, len(accs))
	for _, acc := range accs {
		row := model.TrafficRow{
			Timestamp:     ts,
			LocalAddress:  acc.Key.Local.String(),
			RemoteAddress: acc.Key.Remote.String(),
			Port:          int(acc.Port),
			BytesSent:     clampInt64(acc.SentBytes),
			BytesReceived: clampInt64(acc.ReceivedBytes),
		}
		if acc.Domain != "" {
			domain := acc.Domain
			row.Domain = &domain
		}
		rows = append(rows, row)
	}
	return rows
}

// stamp returns the flush instant in UTC at second precision, never earlier
// than the previous one.
func (s *Sink) stamp() time.Time {
	ts := s.now().UTC().Truncate(time.Second)
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts
	return ts
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Close releases the writer and the publisher.
func (s *Sink) Close() error {
	if s.publisher != nil {
		s.publisher.Close()
	}
	return s.writer.Close()
}
