package keyspace

import "fmt"

// ErrKeyspaceExists is returned by CreateKeyspace when the name is already
// registered.
type ErrKeyspaceExists struct{ Name string }

func (e ErrKeyspaceExists) Error() string { return fmt.Sprintf("keyspace already exists: %s", e.Name) }

// ErrKeyspaceNotFound is returned by any lookup against a keyspace name
// that has not been created (or has been dropped).
type ErrKeyspaceNotFound struct{ Name string }

func (e ErrKeyspaceNotFound) Error() string { return fmt.Sprintf("keyspace not found: %s", e.Name) }

// ErrTableExists is returned by CreateTable when the table name is already
// registered within the keyspace.
type ErrTableExists struct{ Keyspace, Table string }

func (e ErrTableExists) Error() string {
	return fmt.Sprintf("table already exists: %s.%s", e.Keyspace, e.Table)
}

// ErrTableNotFound is returned by any lookup against a table name that has
// not been created (or has been dropped) within an existing keyspace.
type ErrTableNotFound struct{ Keyspace, Table string }

func (e ErrTableNotFound) Error() string {
	return fmt.Sprintf("table not found: %s.%s", e.Keyspace, e.Table)
}
