package message

// OperationType corresponds to the cdc$operation column of the CDC log and
// describes what kind of mutation a log row represents. The values match the
// codes ScyllaDB writes; see the ScyllaDB CDC documentation for the full
// semantics of each code.
type OperationType int8

const (
	PreImage                  OperationType = 0
	Update                    OperationType = 1
	Insert                    OperationType = 2
	RowDelete                 OperationType = 3
	PartitionDelete           OperationType = 4
	RangeDeleteStartInclusive OperationType = 5
	RangeDeleteStartExclusive OperationType = 6
	RangeDeleteEndInclusive   OperationType = 7
	RangeDeleteEndExclusive   OperationType = 8
	PostImage                 OperationType = 9
)

func (o OperationType) String() string {
	switch o {
	case PreImage:
		return "pre_image"
	case Update:
		return "update"
	case Insert:
		return "insert"
	case RowDelete:
		return "row_delete"
	case PartitionDelete:
		return "partition_delete"
	case RangeDeleteStartInclusive:
		return "range_delete_start_inclusive"
	case RangeDeleteStartExclusive:
		return "range_delete_start_exclusive"
	case RangeDeleteEndInclusive:
		return "range_delete_end_inclusive"
	case RangeDeleteEndExclusive:
		return "range_delete_end_exclusive"
	case PostImage:
		return "post_image"
	}
	return "unknown"
}

// IsRangeDeleteStart reports whether the row is the opening fragment of a
// clustering range deletion.
func (o OperationType) IsRangeDeleteStart() bool {
	return o == RangeDeleteStartInclusive || o == RangeDeleteStartExclusive
}

// IsRangeDeleteEnd reports whether the row is the closing fragment of a
// clustering range deletion.
func (o OperationType) IsRangeDeleteEnd() bool {
	return o == RangeDeleteEndInclusive || o == RangeDeleteEndExclusive
}

// BoundInclusive reports whether a range-delete fragment carries an inclusive
// bound. Only meaningful for the four range-delete codes.
func (o OperationType) BoundInclusive() bool {
	return o == RangeDeleteStartInclusive || o == RangeDeleteEndInclusive
}
