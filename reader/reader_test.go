package reader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Trendyol/go-scylla-cdc/checkpoint"
	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/Trendyol/go-scylla-cdc/generation"
	"github.com/Trendyol/go-scylla-cdc/internal/metric"
	"github.com/Trendyol/go-scylla-cdc/message"
	"github.com/go-playground/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

var testTable = message.TableSpec{
	Keyspace:       "ks",
	Name:           "t",
	PartitionKeys:  []string{"pk"},
	ClusteringKeys: []string{"ck"},
}

var testStream = generation.Stream{0xbe, 0xef}

func testConfig() Config {
	return Config{
		Table:        testTable,
		PollInterval: 5 * time.Millisecond,
		SafetyMargin: time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	}
}

// scriptedExecutor replays one canned response per window query; the last
// response repeats forever.
type scriptedExecutor struct {
	mu      sync.Mutex
	windows [][]map[string]any
	calls   int
}

func (s *scriptedExecutor) Query(_ context.Context, _ string, _ ...any) (cql.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	if i >= len(s.windows) {
		i = len(s.windows) - 1
	}
	s.calls++
	if i < 0 {
		return cql.RowsFromSlice(nil), nil
	}
	return cql.RowsFromSlice(s.windows[i]), nil
}

func (s *scriptedExecutor) Exec(_ context.Context, _ string, _ ...any) error {
	return nil
}

type recordingConsumer struct {
	mu      sync.Mutex
	entries []*message.LogEntry
	failAt  int // 1-based entry index to fail on, 0 disables
}

func (c *recordingConsumer) Consume(_ context.Context, entry *message.LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	if c.failAt > 0 && len(c.entries) == c.failAt {
		return errors.New("sink unavailable")
	}
	return nil
}

func (c *recordingConsumer) delivered() []*message.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.LogEntry(nil), c.entries...)
}

func rawRow(u message.TimeUUID, seq int, op message.OperationType, cols map[string]any) map[string]any {
	raw := map[string]any{
		"cdc$stream_id":    []byte(testStream),
		"cdc$time":         u[:],
		"cdc$batch_seq_no": seq,
		"cdc$end_of_batch": true,
		"cdc$operation":    int8(op),
	}
	for name, v := range cols {
		raw[name] = v
	}
	return raw
}

func endedGeneration() generation.Generation {
	now := time.Now().UTC()
	return generation.Generation{Start: now.Add(-time.Minute), End: now.Add(-time.Second)}
}

func assertOrdered(t *testing.T, entries []*message.LogEntry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		ordered := prev.Time.Before(cur.Time) || (prev.Time.Equal(cur.Time) && prev.BatchSeq <= cur.BatchSeq)
		assert.True(t, ordered, "delivery order violated at entry %d", i)
	}
}

func TestLogReader_DeliversWholeWindowInOrder(t *testing.T) {
	gen := endedGeneration()
	t1 := gen.Start.Add(10 * time.Second)
	t2 := gen.Start.Add(20 * time.Second)
	t3 := gen.Start.Add(30 * time.Second)

	// Physically out of order within the window.
	exec := &scriptedExecutor{windows: [][]map[string]any{{
		rawRow(message.NewTimeUUID(t3, 1), 0, message.Update, map[string]any{"pk": 1, "ck": 1, "v": nil, "cdc$deleted_v": true}),
		rawRow(message.NewTimeUUID(t1, 1), 0, message.Insert, map[string]any{"pk": 1, "ck": 1, "v": 10}),
		rawRow(message.NewTimeUUID(t2, 1), 0, message.Update, map[string]any{"pk": 1, "ck": 1, "v": 20}),
	}}}

	consumer := &recordingConsumer{}
	store := checkpoint.NewInmemoryStore()
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, StateStopped, r.State())

	entries := consumer.delivered()
	require.Len(t, entries, 3)
	assertOrdered(t, entries)

	assert.Equal(t, message.Insert, entries[0].Operation)
	v, ok := entries[0].Value("v")
	require.True(t, ok)
	assert.Equal(t, 10, v)

	assert.Equal(t, message.Update, entries[1].Operation)
	v, ok = entries[1].Value("v")
	require.True(t, ok)
	assert.Equal(t, 20, v)

	assert.Equal(t, message.Update, entries[2].Operation)
	assert.True(t, entries[2].IsDeleted("v"))

	cp, err := store.Load(context.Background(), testTable.QualifiedName(), testStream.String())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.WindowEndSeq, cp.BatchSeq)
	assert.True(t, cp.Covers(t3, 0), "checkpoint must cover the whole window")
	assert.True(t, cp.Generation.Equal(gen.Start))
}

func TestLogReader_ResumeSkipsCheckpointedEntries(t *testing.T) {
	gen := endedGeneration()
	t1 := gen.Start.Add(10 * time.Second)
	t2 := gen.Start.Add(20 * time.Second)
	t3 := gen.Start.Add(30 * time.Second)

	exec := &scriptedExecutor{windows: [][]map[string]any{{
		rawRow(message.NewTimeUUID(t1, 1), 0, message.Insert, map[string]any{"pk": 1, "ck": 1, "v": 10}),
		rawRow(message.NewTimeUUID(t2, 1), 0, message.Update, map[string]any{"pk": 1, "ck": 1, "v": 20}),
		rawRow(message.NewTimeUUID(t3, 1), 0, message.Update, map[string]any{"pk": 1, "ck": 1, "v": 30}),
	}}}

	store := checkpoint.NewInmemoryStore()
	require.NoError(t, store.Save(context.Background(), testTable.QualifiedName(), testStream.String(), checkpoint.Checkpoint{
		Generation: gen.Start,
		Time:       t2,
		BatchSeq:   checkpoint.WindowEndSeq,
	}))

	consumer := &recordingConsumer{}
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	require.NoError(t, r.Run(context.Background()))

	entries := consumer.delivered()
	require.Len(t, entries, 1, "only the entry after the checkpoint is re-delivered")
	v, _ := entries[0].Value("v")
	assert.Equal(t, 30, v)
}

func TestLogReader_ForeignGenerationCheckpointIsIgnored(t *testing.T) {
	gen := endedGeneration()
	t1 := gen.Start.Add(10 * time.Second)

	exec := &scriptedExecutor{windows: [][]map[string]any{{
		rawRow(message.NewTimeUUID(t1, 1), 0, message.Insert, map[string]any{"pk": 1, "ck": 1, "v": 10}),
	}}}

	store := checkpoint.NewInmemoryStore()
	require.NoError(t, store.Save(context.Background(), testTable.QualifiedName(), testStream.String(), checkpoint.Checkpoint{
		Generation: gen.Start.Add(-time.Hour),
		Time:       t1.Add(time.Hour),
		BatchSeq:   checkpoint.WindowEndSeq,
	}))

	consumer := &recordingConsumer{}
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	require.NoError(t, r.Run(context.Background()))
	assert.Len(t, consumer.delivered(), 1, "stale checkpoint from another generation must not mask entries")
}

func TestLogReader_EmptyWindowDoesNotAdvanceCheckpoint(t *testing.T) {
	now := time.Now().UTC()
	gen := generation.Generation{Start: now.Add(-time.Minute)} // still active

	exec := &scriptedExecutor{windows: [][]map[string]any{nil}}
	store := checkpoint.NewInmemoryStore()
	consumer := &recordingConsumer{}
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cp, loadErr := store.Load(context.Background(), testTable.QualifiedName(), testStream.String())
	require.NoError(t, loadErr)
	assert.True(t, cp.IsZero(), "no rows means no checkpoint advance")
	assert.Empty(t, consumer.delivered())
}

func TestLogReader_ConsumerFailureIsFatal(t *testing.T) {
	gen := endedGeneration()
	t1 := gen.Start.Add(10 * time.Second)

	exec := &scriptedExecutor{windows: [][]map[string]any{{
		rawRow(message.NewTimeUUID(t1, 1), 0, message.Insert, map[string]any{"pk": 1, "ck": 1, "v": 10}),
	}}}

	store := checkpoint.NewInmemoryStore()
	consumer := &recordingConsumer{failAt: 1}
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "consume")

	cp, loadErr := store.Load(context.Background(), testTable.QualifiedName(), testStream.String())
	require.NoError(t, loadErr)
	assert.True(t, cp.IsZero(), "a partially processed window is never checkpointed")
}

func TestLogReader_HeldRangeFragmentDeliveredNextWindow(t *testing.T) {
	gen := endedGeneration()
	t1 := gen.Start.Add(10 * time.Second)
	t2 := gen.Start.Add(20 * time.Second)
	u2 := message.NewTimeUUID(t2, 1)

	insert := rawRow(message.NewTimeUUID(t1, 1), 0, message.Insert, map[string]any{"pk": 1, "ck": 1, "v": 10})
	start := rawRow(u2, 0, message.RangeDeleteStartInclusive, map[string]any{"pk": 1, "ck": 2})
	end := rawRow(u2, 1, message.RangeDeleteEndExclusive, map[string]any{"pk": 1, "ck": 5})

	// The end fragment only becomes visible on the second poll.
	exec := &scriptedExecutor{windows: [][]map[string]any{
		{insert, start},
		{insert, start, end},
	}}

	store := checkpoint.NewInmemoryStore()
	consumer := &recordingConsumer{}
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	require.NoError(t, r.Run(context.Background()))

	entries := consumer.delivered()
	require.Len(t, entries, 2)
	assertOrdered(t, entries)

	assert.Equal(t, message.Insert, entries[0].Operation)
	require.True(t, entries[1].IsRangeDelete())
	assert.Equal(t, 2, entries[1].RangeStart.Columns[0].Value)
	assert.True(t, entries[1].RangeStart.Inclusive)
	assert.Equal(t, 5, entries[1].RangeEnd.Columns[0].Value)
	assert.False(t, entries[1].RangeEnd.Inclusive)
}

func TestLogReader_UnmatchedRangeFragmentIsFatal(t *testing.T) {
	gen := endedGeneration()
	u := message.NewTimeUUID(gen.Start.Add(10*time.Second), 1)
	start := rawRow(u, 0, message.RangeDeleteStartInclusive, map[string]any{"pk": 1, "ck": 2})

	exec := &scriptedExecutor{windows: [][]map[string]any{{start}}}

	store := checkpoint.NewInmemoryStore()
	consumer := &recordingConsumer{}
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "unmatched range delete")
	assert.Empty(t, consumer.delivered())
}

func TestLogReader_SharedWindowTokensServeAllReaders(t *testing.T) {
	gen := endedGeneration()
	sem := semaphore.NewWeighted(1)

	newReader := func(stream generation.Stream, at time.Time) (*LogReader, *recordingConsumer) {
		cfg := testConfig()
		cfg.WindowTokens = sem
		exec := &scriptedExecutor{windows: [][]map[string]any{{
			rawRow(message.NewTimeUUID(at, 1), 0, message.Insert, map[string]any{"pk": 1, "ck": 1, "v": 10}),
		}}}
		consumer := &recordingConsumer{}
		r := New(exec, cfg, gen, stream, consumer, checkpoint.NewInmemoryStore(), metric.NewMetric("ks.t"))
		return r, consumer
	}

	r1, c1 := newReader(generation.Stream{0x01}, gen.Start.Add(10*time.Second))
	r2, c2 := newReader(generation.Stream{0x02}, gen.Start.Add(20*time.Second))

	done := make(chan error, 2)
	go func() { done <- r1.Run(context.Background()) }()
	go func() { done <- r2.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("a reader sharing the token pool did not finish")
		}
	}

	assert.Len(t, c1.delivered(), 1)
	assert.Len(t, c2.delivered(), 1)
}

func TestLogReader_DrainsAfterGenerationEnd(t *testing.T) {
	now := time.Now().UTC()
	gen := generation.Generation{Start: now.Add(-time.Minute)} // open at start

	t1 := gen.Start.Add(10 * time.Second)
	exec := &scriptedExecutor{windows: [][]map[string]any{{
		rawRow(message.NewTimeUUID(t1, 1), 0, message.Insert, map[string]any{"pk": 1, "ck": 1, "v": 10}),
	}}}

	store := checkpoint.NewInmemoryStore()
	consumer := &recordingConsumer{}
	r := New(exec, testConfig(), gen, testStream, consumer, store, metric.NewMetric("ks.t"))

	// Successor appears while the reader runs.
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.EndGeneration(now.Add(-time.Second))
	}()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not drain after generation end")
	}

	assert.Len(t, consumer.delivered(), 1)
	assert.Equal(t, StateStopped, r.State())
}
