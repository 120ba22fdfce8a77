package checkpoint

import (
	"context"
	"time"
)

// WindowEndSeq is the batch sequence recorded when a whole poll window has
// been delivered: every batch sequence at the checkpoint time is covered.
const WindowEndSeq = 1 << 30

// Checkpoint is the last fully delivered position of one stream. The zero
// value means the stream has never been checkpointed.
type Checkpoint struct {
	Generation time.Time `json:"generation"`
	Time       time.Time `json:"time"`
	BatchSeq   int       `json:"batchSeq"`
}

func (c Checkpoint) IsZero() bool {
	return c.Generation.IsZero() && c.Time.IsZero() && c.BatchSeq == 0
}

// Covers reports whether an entry at (t, seq) is at or before the checkpoint
// and therefore already delivered.
func (c Checkpoint) Covers(t time.Time, seq int) bool {
	if t.Before(c.Time) {
		return true
	}
	return t.Equal(c.Time) && seq <= c.BatchSeq
}

// Store persists per-stream checkpoints. Keys are the qualified base table
// name and the hex stream id; implementations need no cross-stream locking
// beyond their own map or table access.
type Store interface {
	Load(ctx context.Context, table, streamID string) (Checkpoint, error)
	Save(ctx context.Context, table, streamID string, cp Checkpoint) error
}
