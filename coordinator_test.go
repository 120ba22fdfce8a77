package cdc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Trendyol/go-scylla-cdc/checkpoint"
	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/Trendyol/go-scylla-cdc/generation"
	"github.com/Trendyol/go-scylla-cdc/internal/metric"
	"github.com/Trendyol/go-scylla-cdc/message"
	"github.com/Trendyol/go-scylla-cdc/reader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clusterExecutor fakes the three tables the library reads: the generation
// timestamps, the stream descriptions and the CDC log shards.
type clusterExecutor struct {
	mu          sync.Mutex
	generations []time.Time
	streams     map[int64][]generation.Stream
	logRows     map[string][]map[string]any
}

func newClusterExecutor() *clusterExecutor {
	return &clusterExecutor{
		streams: make(map[int64][]generation.Stream),
		logRows: make(map[string][]map[string]any),
	}
}

func (c *clusterExecutor) addGeneration(start time.Time, streams ...generation.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations = append(c.generations, start)
	c.streams[start.UnixNano()] = streams
}

func (c *clusterExecutor) addLogRow(stream generation.Stream, raw map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw["cdc$stream_id"] = []byte(stream)
	c.logRows[stream.String()] = append(c.logRows[stream.String()], raw)
}

func (c *clusterExecutor) Query(_ context.Context, stmt string, values ...any) (cql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case strings.Contains(stmt, "cdc_generation_timestamps"):
		rows := make([]map[string]any, 0, len(c.generations))
		for _, start := range c.generations {
			rows = append(rows, map[string]any{"time": start})
		}
		return cql.RowsFromSlice(rows), nil

	case strings.Contains(stmt, "cdc_streams_descriptions_v2"):
		start, _ := values[0].(time.Time)
		streams := c.streams[start.UnixNano()]
		set := make([][]byte, 0, len(streams))
		for _, s := range streams {
			set = append(set, []byte(s))
		}
		return cql.RowsFromSlice([]map[string]any{{"streams": set}}), nil

	case strings.Contains(stmt, "_scylla_cdc_log"):
		id, _ := values[0].([]byte)
		rows := c.logRows[generation.Stream(id).String()]
		return cql.RowsFromSlice(rows), nil
	}
	return cql.RowsFromSlice(nil), nil
}

func (c *clusterExecutor) Exec(_ context.Context, _ string, _ ...any) error {
	return nil
}

type captureFactory struct {
	mu       sync.Mutex
	byStream map[string][]*message.LogEntry
}

func newCaptureFactory() *captureFactory {
	return &captureFactory{byStream: make(map[string][]*message.LogEntry)}
}

func (f *captureFactory) NewConsumer(_ context.Context, stream generation.Stream) (reader.Consumer, error) {
	key := stream.String()
	return reader.ConsumerFunc(func(_ context.Context, e *message.LogEntry) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.byStream[key] = append(f.byStream[key], e)
		return nil
	}), nil
}

func (f *captureFactory) count(stream generation.Stream) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byStream[stream.String()])
}

func logRow(at time.Time, pk int) map[string]any {
	u := message.NewTimeUUID(at, 1)
	return map[string]any{
		"cdc$time":         u[:],
		"cdc$batch_seq_no": 0,
		"cdc$end_of_batch": true,
		"cdc$operation":    int8(message.Insert),
		"pk":               pk,
	}
}

func TestCoordinator_RotatesThroughGenerations(t *testing.T) {
	now := time.Now().UTC()
	gen1 := now.Add(-2 * time.Minute)
	gen2 := now.Add(-time.Minute)

	s1 := generation.Stream{0x01}
	s2 := generation.Stream{0x02}
	s3 := generation.Stream{0x03}

	exec := newClusterExecutor()
	exec.addGeneration(gen1, s1, s2)
	exec.addGeneration(gen2, s3)
	exec.addLogRow(s1, logRow(gen1.Add(10*time.Second), 1))
	exec.addLogRow(s2, logRow(gen1.Add(20*time.Second), 2))
	exec.addLogRow(s3, logRow(now.Add(-30*time.Second), 3))

	readerCfg := reader.Config{
		Table:        message.TableSpec{Keyspace: "ks", Name: "t", PartitionKeys: []string{"pk"}},
		PollInterval: 5 * time.Millisecond,
		SafetyMargin: time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	}

	factory := newCaptureFactory()
	tracker := generation.NewTracker(exec, 5*time.Millisecond)
	store := checkpoint.NewInmemoryStore()
	coord := newCoordinator(exec, tracker, store, factory, readerCfg, 4, metric.NewMetric("ks.t"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	// The first generation drains its two streams, then the successor's
	// stream starts delivering.
	require.Eventually(t, func() bool {
		return factory.count(s1) == 1 && factory.count(s2) == 1 && factory.count(s3) == 1
	}, 5*time.Second, 10*time.Millisecond)

	info, err := coord.GenerationInfo(ctx)
	require.NoError(t, err)
	assert.True(t, gen2.Equal(info.Start))
	assert.Equal(t, 1, info.Streams)
	assert.Nil(t, info.End, "latest generation has no successor")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after cancel")
	}
}

func TestCoordinator_MoreStreamsThanWorkers(t *testing.T) {
	now := time.Now().UTC()
	gen1 := now.Add(-2 * time.Minute)
	gen2 := now.Add(-time.Minute)

	s1 := generation.Stream{0x01}
	s2 := generation.Stream{0x02}
	s3 := generation.Stream{0x03}

	exec := newClusterExecutor()
	exec.addGeneration(gen1, s1, s2)
	exec.addLogRow(s1, logRow(gen1.Add(10*time.Second), 1))
	exec.addLogRow(s2, logRow(gen1.Add(20*time.Second), 2))

	readerCfg := reader.Config{
		Table:        message.TableSpec{Keyspace: "ks", Name: "t", PartitionKeys: []string{"pk"}},
		PollInterval: 5 * time.Millisecond,
		SafetyMargin: time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	}

	factory := newCaptureFactory()
	tracker := generation.NewTracker(exec, 5*time.Millisecond)
	store := checkpoint.NewInmemoryStore()
	coord := newCoordinator(exec, tracker, store, factory, readerCfg, 1, metric.NewMetric("ks.t"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	// A single worker must still serve every stream of the generation.
	require.Eventually(t, func() bool {
		return factory.count(s1) == 1 && factory.count(s2) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The successor appears while both readers are still running; rollover
	// detection must not wait for reader slots.
	exec.addGeneration(gen2, s3)
	exec.addLogRow(s3, logRow(now.Add(-30*time.Second), 3))

	require.Eventually(t, func() bool {
		return factory.count(s3) == 1
	}, 5*time.Second, 10*time.Millisecond)

	info, err := coord.GenerationInfo(ctx)
	require.NoError(t, err)
	assert.True(t, gen2.Equal(info.Start))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after cancel")
	}
}

func TestPickGeneration(t *testing.T) {
	t1 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	gens := []generation.Generation{
		{Start: t1, End: t2},
		{Start: t2},
	}

	assert.True(t, t2.Equal(pickGeneration(gens, t2.Add(time.Minute)).Start))
	assert.True(t, t1.Equal(pickGeneration(gens, t1.Add(time.Minute)).Start))
	assert.True(t, t1.Equal(pickGeneration(gens, t1.Add(-time.Hour)).Start), "position before all generations falls back to the earliest")
}
