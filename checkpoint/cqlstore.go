package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/go-playground/errors"
)

// DefaultTableName is the checkpoint table created inside the configured
// keyspace unless overridden.
const DefaultTableName = "cdc_reader_checkpoints"

// CQLStore persists checkpoints in a CQL table, surviving process restarts.
type CQLStore struct {
	exec     cql.Executor
	keyspace string
	table    string
}

var _ Store = (*CQLStore)(nil)

func NewCQLStore(exec cql.Executor, keyspace, table string) *CQLStore {
	if table == "" {
		table = DefaultTableName
	}
	return &CQLStore{exec: exec, keyspace: keyspace, table: table}
}

func (s *CQLStore) qualified() string {
	return fmt.Sprintf("%s.%s", s.keyspace, s.table)
}

// EnsureTable creates the checkpoint table when it does not exist yet. The
// keyspace itself must already exist.
func (s *CQLStore) EnsureTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		table_name text,
		stream_id text,
		generation timestamp,
		time timestamp,
		batch_seq int,
		PRIMARY KEY ((table_name, stream_id))
	)`, s.qualified())

	if err := s.exec.Exec(ctx, stmt); err != nil {
		return errors.Wrap(err, "create checkpoint table")
	}
	return nil
}

func (s *CQLStore) Load(ctx context.Context, table, streamID string) (Checkpoint, error) {
	stmt := fmt.Sprintf("SELECT generation, time, batch_seq FROM %s WHERE table_name = ? AND stream_id = ?", s.qualified())
	rows, err := s.exec.Query(ctx, stmt, table, streamID)
	if err != nil {
		return Checkpoint{}, errors.Wrap(err, "load checkpoint")
	}
	defer rows.Close()

	raw, ok := rows.Next()
	if !ok {
		if err := rows.Err(); err != nil {
			return Checkpoint{}, errors.Wrap(err, "load checkpoint")
		}
		return Checkpoint{}, nil
	}

	cp := Checkpoint{}
	if v, ok := raw["generation"].(time.Time); ok {
		cp.Generation = v
	}
	if v, ok := raw["time"].(time.Time); ok {
		cp.Time = v
	}
	switch v := raw["batch_seq"].(type) {
	case int:
		cp.BatchSeq = v
	case int32:
		cp.BatchSeq = int(v)
	case int64:
		cp.BatchSeq = int(v)
	}
	return cp, nil
}

func (s *CQLStore) Save(ctx context.Context, table, streamID string, cp Checkpoint) error {
	stmt := fmt.Sprintf("INSERT INTO %s (table_name, stream_id, generation, time, batch_seq) VALUES (?, ?, ?, ?, ?)", s.qualified())
	if err := s.exec.Exec(ctx, stmt, table, streamID, cp.Generation, cp.Time, cp.BatchSeq); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return nil
}
