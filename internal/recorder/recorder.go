// Package recorder drains a packet queue for a fixed wall-clock duration
// and yields the decoded rows of a recording session.
package recorder

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/inertial-tools/mti-capture/internal/mti"
)

// DefaultYieldInterval is how long the polling loop sleeps on an empty
// queue. It must stay well below one sample period at 100 Hz so the
// consumer keeps pace with the producer.
const DefaultYieldInterval = 200 * time.Microsecond

// ErrNoSamples is returned by did-we-get-data checks when a recording
// produced zero rows.
var ErrNoSamples = errors.New("recording produced no samples")

// WithLogger sets the logger for the recorder.
func WithLogger(logger *slog.Logger) func(*Recorder) {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithYieldInterval overrides the empty-queue sleep interval.
func WithYieldInterval(d time.Duration) func(*Recorder) {
	return func(r *Recorder) {
		r.yieldInterval = d
	}
}

// Recorder consumes a PacketQueue for a fixed duration. It is the sole
// consumer of the queue for the span of a Record call; the producer is the
// device session's streaming callback.
type Recorder struct {
	yieldInterval time.Duration
	logger        *slog.Logger

	count atomic.Uint64
}

// New creates a recorder with a discard logger.
func New(options ...func(*Recorder)) *Recorder {
	r := Recorder{
		yieldInterval: DefaultYieldInterval,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Record returns a lazy, finite, single-use sequence of decoded rows. The
// loop polls the queue, decodes every popped sample and yields the row;
// on an empty queue it sleeps for the yield interval and retries. The
// sequence ends when the elapsed monotonic time reaches duration or the
// context is canceled, whichever comes first; samples still queued at that
// instant are discarded, the duration bound takes priority over
// completeness.
func (r *Recorder) Record(ctx context.Context, queue *mti.PacketQueue, duration time.Duration) iter.Seq[Row] {
	r.count.Store(0)

	return func(yield func(Row) bool) {
		start := time.Now()

		r.logger.Info("recording started", slog.Duration("duration", duration))

		for time.Since(start) < duration {
			if ctx.Err() != nil {
				r.logger.Warn("recording canceled",
					slog.Duration("elapsed", time.Since(start)),
					slog.Uint64("rows", r.count.Load()))
				return
			}

			sample, ok := queue.TryPop()
			if !ok {
				time.Sleep(r.yieldInterval)
				continue
			}

			r.count.Add(1)
			if !yield(DecodeRow(sample)) {
				return
			}
		}

		r.logger.Info("recording complete",
			slog.Uint64("rows", r.count.Load()),
			slog.Uint64("dropped", queue.Dropped()))
	}
}

// Count reports the number of rows produced by the most recent Record
// sequence. It is updated while the sequence runs, so callers can use it
// both for progress and for post-hoc did-we-get-data checks.
func (r *Recorder) Count() uint64 {
	return r.count.Load()
}
