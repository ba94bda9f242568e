package cqlvalue

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Serialize writes a key as a count-prefixed sequence of component values,
// shared by the commit log and SSTable block formats.
func (k Key) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(k))); err != nil {
		return err
	}
	for _, v := range k {
		if err := v.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// DeserializeKey reads a key previously written by Key.Serialize.
func DeserializeKey(r io.Reader) (Key, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	key := make(Key, count)
	for i := range key {
		v, err := Deserialize(r)
		if err != nil {
			return nil, err
		}
		key[i] = v
	}
	return key, nil
}

// Serialize writes a cell: its value, write-timestamp, optional TTL, and
// tombstone flag.
func (c Cell) Serialize(w io.Writer) error {
	if err := c.Value.Serialize(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.WriteTimestamp); err != nil {
		return err
	}
	hasTTL := uint8(0)
	ttl := int32(0)
	if c.TTL != nil {
		hasTTL = 1
		ttl = *c.TTL
	}
	if err := binary.Write(w, binary.BigEndian, hasTTL); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, ttl); err != nil {
		return err
	}
	tombstone := uint8(0)
	if c.Tombstone {
		tombstone = 1
	}
	return binary.Write(w, binary.BigEndian, tombstone)
}

// DeserializeCell reads a cell previously written by Cell.Serialize.
func DeserializeCell(r io.Reader) (Cell, error) {
	v, err := Deserialize(r)
	if err != nil {
		return Cell{}, err
	}
	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return Cell{}, err
	}
	var hasTTL uint8
	if err := binary.Read(r, binary.BigEndian, &hasTTL); err != nil {
		return Cell{}, err
	}
	var ttl int32
	if err := binary.Read(r, binary.BigEndian, &ttl); err != nil {
		return Cell{}, err
	}
	var tombstone uint8
	if err := binary.Read(r, binary.BigEndian, &tombstone); err != nil {
		return Cell{}, err
	}
	cell := Cell{Value: v, WriteTimestamp: ts, Tombstone: tombstone != 0}
	if hasTTL != 0 {
		cell.TTL = &ttl
	}
	return cell, nil
}

func serializeCellMap(w io.Writer, cells map[string]Cell) error {
	names := make([]string, 0, len(cells))
	for n := range cells {
		names = append(names, n)
	}
	sortStrings(names)
	if err := binary.Write(w, binary.BigEndian, uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := cells[name].Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func deserializeCellMap(r io.Reader) (map[string]Cell, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	cells := make(map[string]Cell, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		cell, err := DeserializeCell(r)
		if err != nil {
			return nil, err
		}
		cells[name] = cell
	}
	return cells, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// Serialize writes a row: partition key, clustering key, static cells, and
// regular cells, in the layout SSTable partition blocks and commit log
// entries share.
func (r *Row) Serialize(w io.Writer) error {
	if err := r.PartitionKey.Serialize(w); err != nil {
		return err
	}
	if err := r.ClusteringKey.Serialize(w); err != nil {
		return err
	}
	if err := serializeCellMap(w, r.Static); err != nil {
		return err
	}
	if err := serializeCellMap(w, r.Cells); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, r.WriteTimestamp)
}

// DeserializeRow reads a row previously written by Row.Serialize.
func DeserializeRow(r io.Reader) (Row, error) {
	pk, err := DeserializeKey(r)
	if err != nil {
		return Row{}, err
	}
	ck, err := DeserializeKey(r)
	if err != nil {
		return Row{}, err
	}
	static, err := deserializeCellMap(r)
	if err != nil {
		return Row{}, err
	}
	cells, err := deserializeCellMap(r)
	if err != nil {
		return Row{}, err
	}
	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return Row{}, err
	}
	return Row{
		PartitionKey:   pk,
		ClusteringKey:  ck,
		Static:         static,
		Cells:          cells,
		WriteTimestamp: ts,
	}, nil
}

// Serialize writes a mutation: its kind tag followed by the fields that kind
// carries (spec.md §3; mirrors the original implementation's Mutation enum).
func (m Mutation) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint8(m.Kind)); err != nil {
		return err
	}
	switch m.Kind {
	case MutationInsert:
		return m.Row.Serialize(w)
	case MutationDelete:
		if err := m.PartitionKey.Serialize(w); err != nil {
			return err
		}
		return m.ClusteringKey.Serialize(w)
	case MutationPartitionDelete:
		return m.PartitionKey.Serialize(w)
	default:
		return nil
	}
}

// DeserializeMutation reads a mutation previously written by
// Mutation.Serialize.
func DeserializeMutation(r io.Reader) (Mutation, error) {
	var kind uint8
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return Mutation{}, err
	}
	switch MutationKind(kind) {
	case MutationInsert:
		row, err := DeserializeRow(r)
		if err != nil {
			return Mutation{}, err
		}
		return InsertMutation(row), nil
	case MutationDelete:
		pk, err := DeserializeKey(r)
		if err != nil {
			return Mutation{}, err
		}
		ck, err := DeserializeKey(r)
		if err != nil {
			return Mutation{}, err
		}
		return DeleteMutation(pk, ck), nil
	case MutationPartitionDelete:
		pk, err := DeserializeKey(r)
		if err != nil {
			return Mutation{}, err
		}
		return PartitionDeleteMutation(pk), nil
	default:
		return Mutation{}, fmt.Errorf("cqlvalue: unknown mutation kind %d", kind)
	}
}

// Serialize writes a commit log entry: the target keyspace/table, the
// mutation, and its write-timestamp.
func (e LogEntry) Serialize(w io.Writer) error {
	if err := writeString(w, e.Keyspace); err != nil {
		return err
	}
	if err := writeString(w, e.Table); err != nil {
		return err
	}
	if err := e.Mutation.Serialize(w); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, e.WriteTimestamp)
}

// DeserializeLogEntry reads a commit log entry previously written by
// LogEntry.Serialize.
func DeserializeLogEntry(r io.Reader) (LogEntry, error) {
	keyspace, err := readString(r)
	if err != nil {
		return LogEntry{}, err
	}
	table, err := readString(r)
	if err != nil {
		return LogEntry{}, err
	}
	mutation, err := DeserializeMutation(r)
	if err != nil {
		return LogEntry{}, err
	}
	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Keyspace: keyspace, Table: table, Mutation: mutation, WriteTimestamp: ts}, nil
}
