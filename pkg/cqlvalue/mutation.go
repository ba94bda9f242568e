package cqlvalue

// MutationKind tags which variant a Mutation carries.
type MutationKind byte

const (
	MutationInsert MutationKind = iota
	MutationDelete
	MutationPartitionDelete
)

// Mutation is the logical write the coordinator applies: either a row
// insert, a row-or-cell delete, or a whole-partition delete (spec.md §3).
type Mutation struct {
	Kind          MutationKind
	Row           *Row // set for MutationInsert
	PartitionKey  Key  // set for MutationDelete and MutationPartitionDelete
	ClusteringKey Key  // optionally set for MutationDelete
}

// InsertMutation builds an Insert mutation for a row.
func InsertMutation(row Row) Mutation {
	return Mutation{Kind: MutationInsert, Row: &row}
}

// DeleteMutation builds a Delete mutation targeting a partition, optionally
// narrowed to a single clustering key.
func DeleteMutation(pk Key, ck Key) Mutation {
	return Mutation{Kind: MutationDelete, PartitionKey: pk, ClusteringKey: ck}
}

// PartitionDeleteMutation builds a PartitionDelete mutation.
func PartitionDeleteMutation(pk Key) Mutation {
	return Mutation{Kind: MutationPartitionDelete, PartitionKey: pk}
}

// LogEntry is the unit the commit log persists and replays: the target
// keyspace/table, the mutation, and its write-timestamp (spec.md §3).
type LogEntry struct {
	Keyspace       string
	Table          string
	Mutation       Mutation
	WriteTimestamp int64
}
