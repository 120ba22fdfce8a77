package message

import (
	"encoding/hex"
	"time"
)

// ColumnState distinguishes a column carrying a value from a column the
// mutation tombstoned and from a column the mutation does not mention at all.
// A null value column alone never means deletion; only the cdc$deleted_
// shadow column does.
type ColumnState int8

const (
	Unmentioned ColumnState = iota
	Present
	Deleted
)

func (s ColumnState) String() string {
	switch s {
	case Present:
		return "present"
	case Deleted:
		return "deleted"
	}
	return "unmentioned"
}

type Column struct {
	State ColumnState
	Value any
}

// ColumnValue is a named key column value.
type ColumnValue struct {
	Name  string
	Value any
}

// RangeBound is one side of a clustering range deletion: the clustering key
// prefix values and whether the bound itself is part of the deleted range.
type RangeBound struct {
	Columns   []ColumnValue
	Inclusive bool
}

// LogEntry is one logical mutation reconstructed from the CDC log. A range
// deletion is a single entry merged from its start and end fragments, with
// RangeStart and RangeEnd populated.
type LogEntry struct {
	StreamID   []byte
	TimeUUID   TimeUUID
	Time       time.Time
	BatchSeq   int
	EndOfBatch bool
	Operation  OperationType
	TTL        int64

	RangeStart *RangeBound
	RangeEnd   *RangeBound

	partitionKeys  []ColumnValue
	clusteringKeys []ColumnValue
	columns        map[string]Column
}

// StreamIDString returns the stream id in hex, the form used for checkpoint
// keys and logging.
func (e *LogEntry) StreamIDString() string {
	return hex.EncodeToString(e.StreamID)
}

// PartitionKeys returns the partition key values in table order.
func (e *LogEntry) PartitionKeys() []ColumnValue {
	return e.partitionKeys
}

// ClusteringKeys returns the clustering key values present in this entry, in
// table order. Partition-level operations carry none.
func (e *LogEntry) ClusteringKeys() []ColumnValue {
	return e.clusteringKeys
}

// PartitionKeyValue returns the named partition key value.
func (e *LogEntry) PartitionKeyValue(name string) (any, bool) {
	for _, kv := range e.partitionKeys {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return nil, false
}

// ClusteringKeyValue returns the named clustering key value.
func (e *LogEntry) ClusteringKeyValue(name string) (any, bool) {
	for _, kv := range e.clusteringKeys {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return nil, false
}

// Column returns the tri-state cell for a non-key column.
func (e *LogEntry) Column(name string) Column {
	return e.columns[name]
}

// Value returns the column value and whether the mutation carries one.
func (e *LogEntry) Value(name string) (any, bool) {
	c := e.columns[name]
	if c.State != Present {
		return nil, false
	}
	return c.Value, true
}

// IsDeleted reports whether the mutation explicitly tombstones the column.
func (e *LogEntry) IsDeleted(name string) bool {
	return e.columns[name].State == Deleted
}

// IsRangeDelete reports whether the entry is a merged clustering range
// deletion.
func (e *LogEntry) IsRangeDelete() bool {
	return e.RangeStart != nil && e.RangeEnd != nil
}
