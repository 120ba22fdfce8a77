package message

import (
	goerrors "errors"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/errors"
)

var (
	// ErrUnsupportedCollectionMutation marks an element-level mutation of a
	// non-frozen collection. Decoding it faithfully is not supported, and
	// skipping it would break completeness, so the stream must fail.
	ErrUnsupportedCollectionMutation = goerrors.New("unsupported non-frozen collection element mutation")

	// ErrUnmatchedRangeFragment marks a range-delete fragment whose partner
	// did not become visible within a full extra poll window.
	ErrUnmatchedRangeFragment = goerrors.New("unmatched range delete fragment persisted past window close")
)

const (
	colStreamID   = "cdc$stream_id"
	colTime       = "cdc$time"
	colBatchSeq   = "cdc$batch_seq_no"
	colEndOfBatch = "cdc$end_of_batch"
	colOperation  = "cdc$operation"
	colTTL        = "cdc$ttl"

	deletedPrefix  = "cdc$deleted_"
	elementsPrefix = "cdc$deleted_elements_"
	controlPrefix  = "cdc$"
)

// Pending describes a range-delete start fragment whose end fragment was not
// visible when the window closed. The reader must not checkpoint past it.
type Pending struct {
	TimeUUID TimeUUID
	Time     time.Time
	BatchSeq int
}

type fragmentKey struct {
	timeUUID TimeUUID
	batchSeq int
}

// Decoder turns raw CDC log rows into LogEntry values for one stream. It is
// stateful: an unmatched range-delete fragment is remembered across windows
// so a fragment that never finds its partner is detected.
type Decoder struct {
	table     TableSpec
	unmatched *fragmentKey
}

func NewDecoder(table TableSpec) *Decoder {
	return &Decoder{table: table}
}

// DecodeWindow decodes, sorts and pairs all raw rows of one poll window.
// Entries are returned in (time, batch sequence) order. When the window ends
// with an unmatched range-delete start fragment, that fragment and everything
// sorted after it are withheld and described by pending; the caller re-reads
// them in the next window. The same fragment still unmatched after a second
// window close is an error.
func (d *Decoder) DecodeWindow(raws []map[string]any) ([]*LogEntry, *Pending, error) {
	fragments := make([]*LogEntry, 0, len(raws))
	for _, raw := range raws {
		e, err := d.DecodeRow(raw)
		if err != nil {
			return nil, nil, err
		}
		fragments = append(fragments, e)
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		if c := fragments[i].TimeUUID.Compare(fragments[j].TimeUUID); c != 0 {
			return c < 0
		}
		return fragments[i].BatchSeq < fragments[j].BatchSeq
	})

	entries := make([]*LogEntry, 0, len(fragments))
	var open *LogEntry
	openIdx := -1

	for _, e := range fragments {
		switch {
		case e.Operation.IsRangeDeleteStart():
			if open != nil {
				return nil, nil, errors.Newf("range delete start at %s/%d while start at %s/%d is unclosed",
					e.TimeUUID, e.BatchSeq, open.TimeUUID, open.BatchSeq)
			}
			open = e
			openIdx = len(entries)
			entries = append(entries, nil)
		case e.Operation.IsRangeDeleteEnd():
			if open == nil {
				return nil, nil, errors.Newf("range delete end at %s/%d without start", e.TimeUUID, e.BatchSeq)
			}
			if open.TimeUUID != e.TimeUUID {
				return nil, nil, errors.Newf("range delete fragments at %s/%d and %s/%d do not share a batch",
					open.TimeUUID, open.BatchSeq, e.TimeUUID, e.BatchSeq)
			}
			entries[openIdx] = mergeRangeDelete(open, e)
			open = nil
		default:
			entries = append(entries, e)
		}
	}

	if open == nil {
		d.unmatched = nil
		return entries, nil, nil
	}

	key := fragmentKey{timeUUID: open.TimeUUID, batchSeq: open.BatchSeq}
	if d.unmatched != nil && *d.unmatched == key {
		return nil, nil, ErrUnmatchedRangeFragment
	}
	d.unmatched = &key

	pending := &Pending{TimeUUID: open.TimeUUID, Time: open.Time, BatchSeq: open.BatchSeq}
	return entries[:openIdx], pending, nil
}

// DecodeRow decodes a single raw log row into an unpaired fragment.
func (d *Decoder) DecodeRow(raw map[string]any) (*LogEntry, error) {
	e := &LogEntry{columns: make(map[string]Column)}

	sid, ok := raw[colStreamID].([]byte)
	if !ok {
		return nil, errors.Newf("log row has no %s", colStreamID)
	}
	e.StreamID = sid

	u, err := ParseTimeUUID(raw[colTime])
	if err != nil {
		return nil, errors.Wrap(err, colTime)
	}
	e.TimeUUID = u
	e.Time = u.Time()

	seq, ok := asInt(raw[colBatchSeq])
	if !ok {
		return nil, errors.Newf("log row has no %s", colBatchSeq)
	}
	e.BatchSeq = int(seq)

	if v, ok := raw[colEndOfBatch].(bool); ok {
		e.EndOfBatch = v
	}

	op, ok := asInt(raw[colOperation])
	if !ok {
		return nil, errors.Newf("log row has no %s", colOperation)
	}
	if op < int64(PreImage) || op > int64(PostImage) {
		return nil, errors.Newf("unknown %s code %d", colOperation, op)
	}
	e.Operation = OperationType(op)

	if v, ok := asInt(raw[colTTL]); ok {
		e.TTL = v
	}

	for _, name := range d.table.PartitionKeys {
		v, ok := raw[name]
		if !ok || v == nil {
			return nil, errors.Newf("log row is missing partition key %q", name)
		}
		e.partitionKeys = append(e.partitionKeys, ColumnValue{Name: name, Value: v})
	}

	for _, name := range d.table.ClusteringKeys {
		if v, ok := raw[name]; ok && v != nil {
			e.clusteringKeys = append(e.clusteringKeys, ColumnValue{Name: name, Value: v})
		}
	}

	for _, name := range sortedColumnNames(raw) {
		if strings.HasPrefix(name, controlPrefix) || d.table.isPartitionKey(name) || d.table.isClusteringKey(name) {
			continue
		}

		if elems, ok := raw[elementsPrefix+name]; ok && collectionLen(elems) > 0 {
			return nil, ErrUnsupportedCollectionMutation
		}

		if deleted, ok := raw[deletedPrefix+name].(bool); ok && deleted {
			e.columns[name] = Column{State: Deleted}
			continue
		}

		if v := raw[name]; v != nil {
			e.columns[name] = Column{State: Present, Value: v}
		}
	}

	return e, nil
}

func mergeRangeDelete(start, end *LogEntry) *LogEntry {
	merged := *start
	merged.RangeStart = &RangeBound{Columns: start.clusteringKeys, Inclusive: start.Operation.BoundInclusive()}
	merged.RangeEnd = &RangeBound{Columns: end.clusteringKeys, Inclusive: end.Operation.BoundInclusive()}
	merged.clusteringKeys = nil
	merged.EndOfBatch = end.EndOfBatch
	return &merged
}

func sortedColumnNames(raw map[string]any) []string {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}

func collectionLen(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len()
	}
	return 1
}
