package message

import "fmt"

// TableSpec identifies a CDC-enabled base table and the key columns needed to
// interpret its log rows.
type TableSpec struct {
	Keyspace       string
	Name           string
	PartitionKeys  []string
	ClusteringKeys []string
}

// QualifiedName returns the keyspace-qualified base table name.
func (t TableSpec) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Keyspace, t.Name)
}

// LogTableName returns the fully qualified CDC log table ScyllaDB maintains
// for the base table.
func (t TableSpec) LogTableName() string {
	return fmt.Sprintf("%s.%s_scylla_cdc_log", t.Keyspace, t.Name)
}

func (t TableSpec) isPartitionKey(name string) bool {
	for _, k := range t.PartitionKeys {
		if k == name {
			return true
		}
	}
	return false
}

func (t TableSpec) isClusteringKey(name string) bool {
	for _, k := range t.ClusteringKeys {
		if k == name {
			return true
		}
	}
	return false
}
