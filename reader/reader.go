package reader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Trendyol/go-scylla-cdc/checkpoint"
	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/Trendyol/go-scylla-cdc/generation"
	"github.com/Trendyol/go-scylla-cdc/internal/metric"
	"github.com/Trendyol/go-scylla-cdc/logger"
	"github.com/Trendyol/go-scylla-cdc/message"
	"github.com/go-playground/errors"
	"golang.org/x/sync/semaphore"
)

type State int32

const (
	StateStarting State = iota
	StatePolling
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config carries the per-stream polling parameters.
type Config struct {
	Table        message.TableSpec
	PollInterval time.Duration
	SafetyMargin time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration

	// StartTime bounds the first window when no checkpoint exists. Zero
	// means the owning generation's start, i.e. read from the beginning.
	StartTime time.Time

	// WindowTokens bounds how many readers sharing the pool read, decode
	// and deliver a window at the same time. Waiting for the next window
	// or backing off never holds a token. Nil means unbounded.
	WindowTokens *semaphore.Weighted
}

// LogReader tails the CDC log shard of one stream: windowed polling,
// in-window reordering, ordered delivery to the stream's consumer and
// checkpoint advancement. One instance per stream; instances share only the
// executor, the checkpoint store and the optional window token pool.
type LogReader struct {
	exec     cql.Executor
	stream   generation.Stream
	gen      generation.Generation
	consumer Consumer
	store    checkpoint.Store
	decoder  *message.Decoder
	cfg      Config
	metric   metric.Metric

	mu     sync.Mutex
	genEnd time.Time

	state atomic.Int32
}

func New(
	exec cql.Executor,
	cfg Config,
	gen generation.Generation,
	stream generation.Stream,
	consumer Consumer,
	store checkpoint.Store,
	m metric.Metric,
) *LogReader {
	return &LogReader{
		exec:     exec,
		stream:   stream,
		gen:      gen,
		consumer: consumer,
		store:    store,
		decoder:  message.NewDecoder(cfg.Table),
		cfg:      cfg,
		metric:   m,
		genEnd:   gen.End,
	}
}

// EndGeneration tells the reader its generation has a successor starting at
// end. The reader finishes draining the shard tail and stops.
func (r *LogReader) EndGeneration(end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.genEnd.IsZero() || end.Before(r.genEnd) {
		r.genEnd = end
	}
}

func (r *LogReader) generationEnd() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.genEnd
}

func (r *LogReader) State() State {
	return State(r.state.Load())
}

func (r *LogReader) setState(s State) {
	r.state.Store(int32(s))
}

// Run drives the reader until the stream drains or the context is canceled.
// Cancellation is honored only between windows, so a consumer always
// observes whole, ordered windows. A returned error is fatal for this stream
// only.
func (r *LogReader) Run(ctx context.Context) error {
	r.setState(StateStarting)
	defer r.setState(StateStopped)

	pos, err := r.resumePosition(ctx)
	if err != nil {
		return err
	}
	logger.Info("log reader starting", "stream", r.stream, "generation", r.gen.Start, "resumeTime", pos.Time)

	r.setState(StatePolling)
	emptyDelay := r.cfg.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		windowEnd := time.Now().UTC().Add(-r.cfg.SafetyMargin)
		genEnd := r.generationEnd()
		draining := !genEnd.IsZero() && !windowEnd.Before(genEnd)
		if draining {
			r.setState(StateDraining)
			windowEnd = genEnd
		}

		if !draining && !windowEnd.After(pos.Time) {
			// Window has not opened past the checkpoint yet.
			if !r.sleep(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		res, err := r.processWindow(ctx, pos, windowEnd)
		if err != nil {
			return err
		}
		pending := res.pending

		if draining && pending == nil && res.delivered == 0 {
			logger.Info("stream drained", "stream", r.stream, "generation", r.gen.Start)
			return nil
		}

		if res.rawCount == 0 {
			// No rows is not the same as no more data ever; the shard only
			// closes with its generation. Retry without advancing.
			if !r.sleep(ctx, emptyDelay) {
				return ctx.Err()
			}
			emptyDelay = r.nextDelay(emptyDelay)
			continue
		}
		emptyDelay = r.cfg.BackoffBase

		newPos := checkpoint.Checkpoint{Generation: r.gen.Start, Time: windowEnd, BatchSeq: checkpoint.WindowEndSeq}
		if pending != nil {
			// Never checkpoint past an unmatched range fragment; the next
			// window re-reads it together with its end fragment.
			newPos = checkpoint.Checkpoint{Generation: r.gen.Start, Time: pending.Time, BatchSeq: pending.BatchSeq - 1}
		}

		if !newPos.Covers(pos.Time, pos.BatchSeq) {
			// Would regress; keep waiting for the missing fragment.
			if !r.sleep(ctx, emptyDelay) {
				return ctx.Err()
			}
			emptyDelay = r.nextDelay(emptyDelay)
			continue
		}

		if err := r.store.Save(ctx, r.cfg.Table.QualifiedName(), r.stream.String(), newPos); err != nil {
			return errors.Wrap(err, "save checkpoint")
		}
		pos = newPos
		r.metric.SetCheckpointLag(time.Now().UTC().Sub(pos.Time).Nanoseconds())

		if pending != nil {
			// Give the end fragment time to become visible before re-reading.
			if !r.sleep(ctx, emptyDelay) {
				return ctx.Err()
			}
			emptyDelay = r.nextDelay(emptyDelay)
		} else if !draining {
			if !r.sleep(ctx, r.cfg.PollInterval) {
				return ctx.Err()
			}
		}
	}
}

type windowResult struct {
	rawCount  int
	delivered int
	pending   *message.Pending
}

// processWindow runs one read-decode-deliver cycle. When a token pool is
// configured the whole cycle holds one token, so readers outnumbering the
// pool take turns instead of working all at once.
func (r *LogReader) processWindow(ctx context.Context, pos checkpoint.Checkpoint, windowEnd time.Time) (windowResult, error) {
	if r.cfg.WindowTokens != nil {
		if err := r.cfg.WindowTokens.Acquire(ctx, 1); err != nil {
			return windowResult{}, err
		}
		defer r.cfg.WindowTokens.Release(1)
	}

	raws, err := r.readWindow(ctx, pos.Time, windowEnd)
	if err != nil {
		return windowResult{}, err
	}
	r.metric.RowsReadIncrement(int64(len(raws)))

	entries, pending, err := r.decoder.DecodeWindow(raws)
	if err != nil {
		return windowResult{}, errors.Wrap(err, "decode window")
	}

	res := windowResult{rawCount: len(raws), pending: pending}
	for _, e := range entries {
		if pos.Covers(e.Time, e.BatchSeq) {
			continue
		}
		start := time.Now().UTC()
		if err := r.consumer.Consume(ctx, e); err != nil {
			return windowResult{}, errors.Wrap(err, "consume")
		}
		r.metric.SetProcessLatency(time.Since(start).Nanoseconds())
		r.metric.SetCDCLatency(start.Sub(e.Time).Nanoseconds())
		r.countOperation(e.Operation)
		res.delivered++
	}
	r.metric.EntriesDeliveredIncrement(int64(res.delivered))

	return res, nil
}

func (r *LogReader) resumePosition(ctx context.Context) (checkpoint.Checkpoint, error) {
	cp, err := r.store.Load(ctx, r.cfg.Table.QualifiedName(), r.stream.String())
	if err != nil {
		return checkpoint.Checkpoint{}, errors.Wrap(err, "load checkpoint")
	}

	if !cp.IsZero() && cp.Generation.Equal(r.gen.Start) {
		return cp, nil
	}
	if !cp.IsZero() {
		logger.Warn("checkpoint belongs to another generation, starting over",
			"stream", r.stream, "checkpointGeneration", cp.Generation, "generation", r.gen.Start)
	}

	start := r.cfg.StartTime
	if start.IsZero() {
		start = r.gen.Start
	}
	return checkpoint.Checkpoint{Generation: r.gen.Start, Time: start, BatchSeq: -1}, nil
}

func (r *LogReader) readWindow(ctx context.Context, from, to time.Time) ([]map[string]any, error) {
	stmt := fmt.Sprintf(
		`SELECT * FROM %s WHERE "cdc$stream_id" = ? AND "cdc$time" >= minTimeuuid(?) AND "cdc$time" <= maxTimeuuid(?)`,
		r.cfg.Table.LogTableName(),
	)

	start := time.Now().UTC()
	rows, err := r.exec.Query(ctx, stmt, []byte(r.stream), from, to)
	if err != nil {
		return nil, errors.Wrap(err, "window query")
	}
	defer rows.Close()

	var raws []map[string]any
	for {
		raw, ok := rows.Next()
		if !ok {
			break
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "window pagination")
	}
	r.metric.SetReadLatency(time.Since(start).Nanoseconds())

	return raws, nil
}

func (r *LogReader) countOperation(op message.OperationType) {
	switch op {
	case message.Insert:
		r.metric.InsertOpIncrement(1)
	case message.Update:
		r.metric.UpdateOpIncrement(1)
	case message.RowDelete, message.PartitionDelete,
		message.RangeDeleteStartInclusive, message.RangeDeleteStartExclusive:
		r.metric.DeleteOpIncrement(1)
	}
}

func (r *LogReader) nextDelay(d time.Duration) time.Duration {
	d *= 2
	if max := r.cfg.BackoffMax; max > 0 && d > max {
		d = max
	}
	return d
}

func (r *LogReader) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
