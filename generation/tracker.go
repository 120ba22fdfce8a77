package generation

import (
	"context"
	"sort"
	"time"

	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/Trendyol/go-scylla-cdc/logger"
	"github.com/go-playground/errors"
)

const (
	generationTimestampsQuery = "SELECT time FROM system_distributed.cdc_generation_timestamps WHERE key = 'timestamps'"
	streamsDescriptionQuery   = "SELECT streams FROM system_distributed.cdc_streams_descriptions_v2 WHERE time = ?"

	rolloverBackoffBase = 500 * time.Millisecond
)

// Tracker discovers CDC generations and their stream sets from the cluster's
// distributed description tables.
type Tracker struct {
	exec         cql.Executor
	pollInterval time.Duration
}

// NewTracker builds a tracker polling at most every pollInterval while
// watching for a rollover. The executor should already carry the retry
// policy for transient failures.
func NewTracker(exec cql.Executor, pollInterval time.Duration) *Tracker {
	return &Tracker{exec: exec, pollInterval: pollInterval}
}

// Generations returns every known generation starting after the given
// instant, ordered by start timestamp. End timestamps are derived from the
// successor's start; only the latest generation stays open. Streams are not
// resolved here.
func (t *Tracker) Generations(ctx context.Context, after time.Time) ([]Generation, error) {
	rows, err := t.exec.Query(ctx, generationTimestampsQuery)
	if err != nil {
		return nil, errors.Wrap(err, "fetch generation timestamps")
	}
	defer rows.Close()

	starts := make([]time.Time, 0)
	for {
		raw, ok := rows.Next()
		if !ok {
			break
		}
		start, ok := raw["time"].(time.Time)
		if !ok {
			return nil, errors.Newf("generation timestamp has unexpected type %T", raw["time"])
		}
		starts = append(starts, start.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "fetch generation timestamps")
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	generations := make([]Generation, 0, len(starts))
	for i, start := range starts {
		if !start.After(after) {
			continue
		}
		g := Generation{Start: start}
		if i+1 < len(starts) {
			g.End = starts[i+1]
		}
		generations = append(generations, g)
	}
	return generations, nil
}

// ResolveStreams loads the stream identifiers of a generation, flattening the
// per-vnode stream sets of the description table.
func (t *Tracker) ResolveStreams(ctx context.Context, g *Generation) error {
	rows, err := t.exec.Query(ctx, streamsDescriptionQuery, g.Start)
	if err != nil {
		return errors.Wrap(err, "fetch stream descriptions")
	}
	defer rows.Close()

	var streams []Stream
	for {
		raw, ok := rows.Next()
		if !ok {
			break
		}
		set, err := streamSet(raw["streams"])
		if err != nil {
			return err
		}
		streams = append(streams, set...)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "fetch stream descriptions")
	}
	if len(streams) == 0 {
		return errors.Newf("generation %s has no streams", g.Start)
	}

	g.Streams = streams
	return nil
}

// WatchRollover blocks until a generation newer than current appears, backing
// off exponentially up to the poll interval between empty polls. Discovery
// errors are retried indefinitely; liveness of the whole reader depends on
// this loop. Returns the immediate successor with its End derived when an
// even newer generation already exists.
func (t *Tracker) WatchRollover(ctx context.Context, current Generation) (Generation, error) {
	delay := rolloverBackoffBase
	if t.pollInterval > 0 && delay > t.pollInterval {
		delay = t.pollInterval
	}
	for {
		next, err := t.nextGeneration(ctx, current)
		if err != nil {
			logger.Warn("generation discovery failed, retrying", "error", err)
		} else if next != nil {
			logger.Info("generation rollover detected", "current", current.Start, "next", next.Start)
			return *next, nil
		}

		select {
		case <-ctx.Done():
			return Generation{}, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > t.pollInterval {
			delay = t.pollInterval
		}
	}
}

func (t *Tracker) nextGeneration(ctx context.Context, current Generation) (*Generation, error) {
	generations, err := t.Generations(ctx, current.Start)
	if err != nil {
		return nil, err
	}
	if len(generations) == 0 {
		return nil, nil
	}
	return &generations[0], nil
}

func streamSet(v any) ([]Stream, error) {
	switch set := v.(type) {
	case [][]byte:
		streams := make([]Stream, 0, len(set))
		for _, id := range set {
			streams = append(streams, Stream(id))
		}
		return streams, nil
	case []any:
		streams := make([]Stream, 0, len(set))
		for _, raw := range set {
			id, ok := raw.([]byte)
			if !ok {
				return nil, errors.Newf("stream id has unexpected type %T", raw)
			}
			streams = append(streams, Stream(id))
		}
		return streams, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Newf("stream set has unexpected type %T", v)
	}
}
