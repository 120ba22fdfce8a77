package cdc

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Trendyol/go-scylla-cdc/checkpoint"
	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/Trendyol/go-scylla-cdc/generation"
	"github.com/Trendyol/go-scylla-cdc/internal/http"
	"github.com/Trendyol/go-scylla-cdc/internal/metric"
	"github.com/Trendyol/go-scylla-cdc/logger"
	"github.com/Trendyol/go-scylla-cdc/reader"
	"github.com/go-playground/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const discoveryBackoffBase = time.Second

// coordinator owns the stream reader tasks of the active generation and
// rotates them when the tracker reports a rollover.
type coordinator struct {
	exec      cql.Executor
	tracker   *generation.Tracker
	store     checkpoint.Store
	factory   reader.ConsumerFactory
	readerCfg reader.Config
	workers   int
	metric    metric.Metric

	mu      sync.RWMutex
	current *generation.Generation
	next    *generation.Generation

	activeReaders atomic.Int64
}

func newCoordinator(
	exec cql.Executor,
	tracker *generation.Tracker,
	store checkpoint.Store,
	factory reader.ConsumerFactory,
	readerCfg reader.Config,
	workers int,
	m metric.Metric,
) *coordinator {
	return &coordinator{
		exec:      exec,
		tracker:   tracker,
		store:     store,
		factory:   factory,
		readerCfg: readerCfg,
		workers:   workers,
		metric:    m,
	}
}

// Run blocks until the context is canceled or a stream fails fatally.
func (c *coordinator) Run(ctx context.Context) error {
	gen, err := c.initialGeneration(ctx)
	if err != nil {
		return err
	}

	for {
		next, err := c.runGeneration(ctx, gen)
		if err != nil {
			if ctx.Err() != nil || goerrors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if next == nil {
			return nil
		}
		c.metric.GenerationRolloverIncrement()
		gen = *next
	}
}

// initialGeneration finds the generation containing the configured start
// position. Discovery failures stall the whole reader, so they are retried
// indefinitely with backoff.
func (c *coordinator) initialGeneration(ctx context.Context) (generation.Generation, error) {
	delay := discoveryBackoffBase
	for {
		gens, err := c.tracker.Generations(ctx, time.Time{})
		if err == nil && len(gens) == 0 {
			err = errors.New("no cdc generations found, is cdc enabled on the cluster?")
		}
		if err == nil {
			return pickGeneration(gens, c.readerCfg.StartTime), nil
		}

		logger.Warn("initial generation discovery failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return generation.Generation{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.readerCfg.PollInterval {
			delay = c.readerCfg.PollInterval
		}
	}
}

// pickGeneration returns the generation whose epoch contains at, or the
// earliest one when at precedes all of them. Generations are start-ordered,
// so walking from the back prefers the later start when epochs appear to
// overlap.
func pickGeneration(gens []generation.Generation, at time.Time) generation.Generation {
	for i := len(gens) - 1; i >= 0; i-- {
		if !gens[i].Start.After(at) {
			return gens[i]
		}
	}
	return gens[0]
}

// runGeneration reads one generation to completion: spawns a reader per
// stream, watches for the successor and lets the readers drain once it
// appears. Returns the successor, or nil on clean shutdown.
func (c *coordinator) runGeneration(ctx context.Context, gen generation.Generation) (*generation.Generation, error) {
	if err := c.resolveStreams(ctx, &gen); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.current = &gen
	c.next = nil
	c.mu.Unlock()

	logger.Info("generation active", "start", gen.Start, "streams", len(gen.Streams))

	g, gctx := errgroup.WithContext(ctx)

	readers := &readerSet{}
	readerGroup, rctx := errgroup.WithContext(gctx)

	// Every stream gets its own task and they all live for the whole
	// generation, so the worker bound applies to window processing, not to
	// task startup: readers beyond the pool size take turns.
	readerCfg := c.readerCfg
	if c.workers > 0 {
		readerCfg.WindowTokens = semaphore.NewWeighted(int64(c.workers))
	}

	g.Go(func() error {
		next, err := c.tracker.WatchRollover(gctx, gen)
		if err != nil {
			// Only context errors escape the watch loop.
			return err
		}

		c.mu.Lock()
		c.next = &next
		c.mu.Unlock()

		readers.endAll(next.Start)
		return nil
	})

	for _, stream := range gen.Streams {
		stream := stream
		readerGroup.Go(func() error {
			consumer, err := c.factory.NewConsumer(rctx, stream)
			if err != nil {
				return errors.Wrapf(err, "new consumer for stream %s", stream)
			}

			rd := reader.New(c.exec, readerCfg, gen, stream, consumer, c.store, c.metric)
			readers.add(rd)

			c.metric.SetActiveReaders(c.activeReaders.Add(1))
			defer func() { c.metric.SetActiveReaders(c.activeReaders.Add(-1)) }()

			if err := rd.Run(rctx); err != nil {
				return errors.Wrapf(err, "stream %s", stream)
			}
			return nil
		})
	}

	g.Go(readerGroup.Wait)

	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next, nil
}

func (c *coordinator) resolveStreams(ctx context.Context, gen *generation.Generation) error {
	delay := discoveryBackoffBase
	for {
		err := c.tracker.ResolveStreams(ctx, gen)
		if err == nil {
			return nil
		}

		logger.Warn("stream description discovery failed, retrying", "generation", gen.Start, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.readerCfg.PollInterval {
			delay = c.readerCfg.PollInterval
		}
	}
}

// readerSet collects the running readers of one generation so a rollover can
// be propagated to readers that start after it was detected.
type readerSet struct {
	mu      sync.Mutex
	readers []*reader.LogReader
	end     time.Time
}

func (s *readerSet) add(rd *reader.LogReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers = append(s.readers, rd)
	if !s.end.IsZero() {
		rd.EndGeneration(s.end)
	}
}

func (s *readerSet) endAll(end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end = end
	for _, rd := range s.readers {
		rd.EndGeneration(end)
	}
}

// GenerationInfo implements the /generation endpoint.
func (c *coordinator) GenerationInfo(_ context.Context) (*http.GenerationInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return nil, errors.New("no active generation yet")
	}

	info := &http.GenerationInfo{
		Start:   c.current.Start,
		Streams: len(c.current.Streams),
	}
	if !c.current.End.IsZero() {
		end := c.current.End
		info.End = &end
	}
	return info, nil
}
