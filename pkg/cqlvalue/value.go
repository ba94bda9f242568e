// Package cqlvalue implements the typed value and key model shared by the
// memtable, SSTable, and commit log: scalar/collection values, partition and
// clustering keys, cells, rows, and table schemas.
package cqlvalue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
)

// Kind tags the dynamic variant carried by Value. Each kind gets a distinct
// one-byte tag used both on the wire and as a hash domain separator so that
// values of different kinds never collide in the bloom filter or on disk.
type Kind byte

const (
	KindNull Kind = iota
	KindText
	KindInt32
	KindInt64
	KindUUID
	KindTimestamp
	KindBoolean
	KindFloat64
	KindBlob
	KindMap
	KindList
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUUID:
		return "uuid"
	case KindTimestamp:
		return "timestamp"
	case KindBoolean:
		return "boolean"
	case KindFloat64:
		return "float64"
	case KindBlob:
		return "blob"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	default:
		return "unknown"
	}
}

// MapEntry is a single key/value pair inside a Value of KindMap. Maps carry
// their entries as an ordered slice (rather than a Go map) because Value
// itself is not always a valid map key (blobs, lists, ...).
type MapEntry struct {
	Key   Value
	Value Value
}

// Value is a tagged scalar or collection value.
type Value struct {
	Kind Kind

	text string
	i32  int32
	i64  int64 // also backs KindTimestamp (microseconds since epoch)
	id   uuid.UUID
	b    bool
	f    float64
	blob []byte
	elems []Value   // KindList / KindSet
	pairs []MapEntry // KindMap
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// Text returns a text value.
func Text(s string) Value { return Value{Kind: KindText, text: s} }

// Int32 returns a 32-bit integer value.
func Int32(v int32) Value { return Value{Kind: KindInt32, i32: v} }

// Int64 returns a 64-bit integer value.
func Int64(v int64) Value { return Value{Kind: KindInt64, i64: v} }

// UUIDValue returns a UUID value.
func UUIDValue(v uuid.UUID) Value { return Value{Kind: KindUUID, id: v} }

// TimestampMicros returns a timestamp value expressed as microseconds since
// the Unix epoch.
func TimestampMicros(micros int64) Value { return Value{Kind: KindTimestamp, i64: micros} }

// TimestampFromTime converts a time.Time into a microsecond timestamp value.
func TimestampFromTime(t time.Time) Value { return TimestampMicros(t.UnixMicro()) }

// Boolean returns a boolean value.
func Boolean(v bool) Value { return Value{Kind: KindBoolean, b: v} }

// Float64 returns a floating-point value.
func Float64(v float64) Value { return Value{Kind: KindFloat64, f: v} }

// Blob returns a byte-sequence value. The slice is not copied.
func Blob(b []byte) Value { return Value{Kind: KindBlob, blob: b} }

// List returns an ordered collection value.
func List(elems ...Value) Value { return Value{Kind: KindList, elems: elems} }

// Set returns an unordered collection value; elements are stored in
// ascending order so that equal sets compare equal regardless of insertion
// order.
func Set(elems ...Value) Value {
	sorted := append([]Value(nil), elems...)
	sortValues(sorted)
	return Value{Kind: KindSet, elems: sorted}
}

// Map returns a collection of key/value pairs. Per spec.md §3 and §9, maps
// are compared for equality as a multiset of pairs; Compare still produces a
// deterministic (but not semantically meaningful) total order over the
// canonical serialization so Values remain usable in sorted containers.
func Map(pairs ...MapEntry) Value {
	sorted := append([]MapEntry(nil), pairs...)
	sortMapEntries(sorted)
	return Value{Kind: KindMap, pairs: sorted}
}

func sortValues(vs []Value) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1].Compare(vs[j]) > 0; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}

func sortMapEntries(es []MapEntry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j-1].Key.Compare(es[j].Key) > 0; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

// IsNull reports whether the value is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Text returns the string payload; valid only for KindText.
func (v Value) Text() string { return v.text }

// Int32 returns the int32 payload; valid only for KindInt32.
func (v Value) Int32() int32 { return v.i32 }

// Int64 returns the int64 payload; valid for KindInt64 and KindTimestamp.
func (v Value) Int64() int64 { return v.i64 }

// UUID returns the uuid payload; valid only for KindUUID.
func (v Value) UUID() uuid.UUID { return v.id }

// Boolean returns the bool payload; valid only for KindBoolean.
func (v Value) Boolean() bool { return v.b }

// Float64 returns the float payload; valid only for KindFloat64.
func (v Value) Float64() float64 { return v.f }

// Blob returns the byte payload; valid only for KindBlob.
func (v Value) Blob() []byte { return v.blob }

// Elems returns the element slice backing a list or set value.
func (v Value) Elems() []Value { return v.elems }

// Pairs returns the entry slice backing a map value.
func (v Value) Pairs() []MapEntry { return v.pairs }

// Compare orders two values of the same Kind. Cross-kind comparisons order
// first by Kind tag, which is deterministic but otherwise arbitrary — column
// types are fixed by schema, so cross-kind comparison should not occur on a
// real column in practice.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		if v.Kind < o.Kind {
			return -1
		}
		return 1
	}
	switch v.Kind {
	case KindNull:
		return 0
	case KindText:
		return compareString(v.text, o.text)
	case KindInt32:
		return compareInt64(int64(v.i32), int64(o.i32))
	case KindInt64, KindTimestamp:
		return compareInt64(v.i64, o.i64)
	case KindUUID:
		return bytes.Compare(v.id[:], o.id[:])
	case KindBoolean:
		return compareBool(v.b, o.b)
	case KindFloat64:
		return compareFloat(v.f, o.f)
	case KindBlob:
		return bytes.Compare(v.blob, o.blob)
	case KindList, KindSet:
		return compareValueSlices(v.elems, o.elems)
	case KindMap:
		return compareMapCanonical(v, o)
	default:
		return 0
	}
}

// Equal reports value equality. Maps compare equal iff they hold the same
// multiset of key/value pairs (spec.md §3, §9).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindMap {
		return mapEqual(v, o)
	}
	return v.Compare(o) == 0
}

func mapEqual(a, b Value) bool {
	if len(a.pairs) != len(b.pairs) {
		return false
	}
	// Both are kept sorted by key at construction time, so a direct
	// positional comparison is equivalent to multiset comparison.
	for i := range a.pairs {
		if !a.pairs[i].Key.Equal(b.pairs[i].Key) || !a.pairs[i].Value.Equal(b.pairs[i].Value) {
			return false
		}
	}
	return true
}

func compareMapCanonical(a, b Value) int {
	if mapEqual(a, b) {
		return 0
	}
	return bytes.Compare(encodeValue(a), encodeValue(b))
}

func compareValueSlices(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return compareInt64(int64(len(a)), int64(len(b)))
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CacheKey returns a domain-separated byte encoding suitable for hashing
// into a bloom filter: a one-byte Kind tag followed by the value's raw
// encoding, so values of different kinds sharing a bit pattern never collide
// (spec.md §4.1).
func (v Value) CacheKey() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(v.Kind))
	buf.Write(encodeValue(v))
	return buf.Bytes()
}

// SerializedSize returns the exact number of bytes Serialize writes
// (kind tag plus payload), matching spec invariant 3.
func (v Value) SerializedSize() int {
	return 1 + len(encodeValue(v))
}

// Serialize writes the value's wire encoding (kind tag + payload).
func (v Value) Serialize(w io.Writer) error {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(v.Kind))
	buf.Write(encodeValue(v))
	_, err := w.Write(buf.Bytes())
	return err
}

// Deserialize reads a value previously written by Serialize.
func Deserialize(r io.Reader) (Value, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Value{}, err
	}
	return decodeValue(r, Kind(tagBuf[0]))
}

// encodeValue returns the payload encoding only (no kind tag), used both for
// Serialize (after the tag) and CacheKey (after the tag).
func encodeValue(v Value) []byte {
	buf := new(bytes.Buffer)
	switch v.Kind {
	case KindNull:
		// no payload
	case KindText:
		writeLenPrefixed(buf, []byte(v.text))
	case KindInt32:
		binary.Write(buf, binary.BigEndian, v.i32)
	case KindInt64, KindTimestamp:
		binary.Write(buf, binary.BigEndian, v.i64)
	case KindUUID:
		buf.Write(v.id[:])
	case KindBoolean:
		if v.b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindFloat64:
		binary.Write(buf, binary.BigEndian, math.Float64bits(v.f))
	case KindBlob:
		writeLenPrefixed(buf, v.blob)
	case KindList, KindSet:
		binary.Write(buf, binary.BigEndian, uint32(len(v.elems)))
		for _, e := range v.elems {
			buf.WriteByte(byte(e.Kind))
			buf.Write(encodeValue(e))
		}
	case KindMap:
		binary.Write(buf, binary.BigEndian, uint32(len(v.pairs)))
		for _, p := range v.pairs {
			buf.WriteByte(byte(p.Key.Kind))
			buf.Write(encodeValue(p.Key))
			buf.WriteByte(byte(p.Value.Kind))
			buf.Write(encodeValue(p.Value))
		}
	}
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func decodeValue(r io.Reader, kind Kind) (Value, error) {
	switch kind {
	case KindNull:
		return Null(), nil
	case KindText:
		data, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Text(string(data)), nil
	case KindInt32:
		var v int32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return Value{}, err
		}
		return Int32(v), nil
	case KindInt64:
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return Value{}, err
		}
		return Int64(v), nil
	case KindTimestamp:
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return Value{}, err
		}
		return TimestampMicros(v), nil
	case KindUUID:
		var raw [16]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return Value{}, err
		}
		id, err := uuid.FromBytes(raw[:])
		if err != nil {
			return Value{}, err
		}
		return UUIDValue(id), nil
	case KindBoolean:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Boolean(b[0] != 0), nil
	case KindFloat64:
		var bits uint64
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return Value{}, err
		}
		return Float64(math.Float64frombits(bits)), nil
	case KindBlob:
		data, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Blob(data), nil
	case KindList, KindSet:
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return Value{}, err
		}
		elems := make([]Value, count)
		for i := range elems {
			v, err := Deserialize(r)
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		if kind == KindSet {
			return Value{Kind: KindSet, elems: elems}, nil
		}
		return Value{Kind: KindList, elems: elems}, nil
	case KindMap:
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return Value{}, err
		}
		pairs := make([]MapEntry, count)
		for i := range pairs {
			k, err := Deserialize(r)
			if err != nil {
				return Value{}, err
			}
			v, err := Deserialize(r)
			if err != nil {
				return Value{}, err
			}
			pairs[i] = MapEntry{Key: k, Value: v}
		}
		return Value{Kind: KindMap, pairs: pairs}, nil
	default:
		return Value{}, fmt.Errorf("cqlvalue: unknown kind tag %d", kind)
	}
}
