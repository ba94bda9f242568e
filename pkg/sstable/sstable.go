// Package sstable implements the immutable, sorted, on-disk partition store
// SSTables carry (spec.md §4.3): a fixed header, compressed partition data
// blocks, a bloom filter, a full partition index, and a sparse summary
// index. Adapted from the teacher's pkg/lsm/sstable.go — the same
// header/footer split and sparse-index-then-linear-scan read path — but
// restructured so the header is written first (as a placeholder) and
// rewritten once the data section's final offsets are known, rather than
// appended only at the end, and generalized from raw byte keys/values to
// cqlvalue partitions.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/mnohosten/lsm-cassandra/pkg/bloom"
	"github.com/mnohosten/lsm-cassandra/pkg/cqlvalue"
)

var magic = [4]byte{'L', 'S', 'S', '1'}

const headerSize = 4 /*magic*/ + 2 /*version*/ + 1 /*compression*/ + 1 /*pad*/ + 4 /*numPartitions*/ + 8*8

const version uint16 = 1

// summaryInterval controls how often the sparse summary index records a
// partition key, mirroring the teacher's indexInterval.
const summaryInterval = 128

// header is the fixed-size record at the start of every SSTable file. It is
// written once as a placeholder (zeroed offsets) and rewritten after the
// data section, bloom filter, and indices have been fully written, so a
// reader can always find every section by seeking directly rather than by
// scanning from the end of the file.
type header struct {
	Compression   Algorithm
	NumPartitions uint32
	MinTimestamp  int64
	MaxTimestamp  int64
	BloomOffset   int64
	BloomLength   int64
	IndexOffset   int64
	IndexLength   int64
	SummaryOffset int64
	SummaryLength int64
}

func (h header) marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(magic[:])
	binary.Write(buf, binary.BigEndian, version)
	buf.WriteByte(byte(h.Compression))
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, h.NumPartitions)
	binary.Write(buf, binary.BigEndian, h.MinTimestamp)
	binary.Write(buf, binary.BigEndian, h.MaxTimestamp)
	binary.Write(buf, binary.BigEndian, h.BloomOffset)
	binary.Write(buf, binary.BigEndian, h.BloomLength)
	binary.Write(buf, binary.BigEndian, h.IndexOffset)
	binary.Write(buf, binary.BigEndian, h.IndexLength)
	binary.Write(buf, binary.BigEndian, h.SummaryOffset)
	binary.Write(buf, binary.BigEndian, h.SummaryLength)
	return buf.Bytes()
}

func unmarshalHeader(data []byte) (header, error) {
	if len(data) < headerSize {
		return header{}, fmt.Errorf("sstable: truncated header (%d bytes)", len(data))
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return header{}, fmt.Errorf("sstable: bad magic %x", data[0:4])
	}
	r := bytes.NewReader(data[6:])
	var h header
	compression, _ := r.ReadByte()
	r.ReadByte() // padding
	h.Compression = Algorithm(compression)
	binary.Read(r, binary.BigEndian, &h.NumPartitions)
	binary.Read(r, binary.BigEndian, &h.MinTimestamp)
	binary.Read(r, binary.BigEndian, &h.MaxTimestamp)
	binary.Read(r, binary.BigEndian, &h.BloomOffset)
	binary.Read(r, binary.BigEndian, &h.BloomLength)
	binary.Read(r, binary.BigEndian, &h.IndexOffset)
	binary.Read(r, binary.BigEndian, &h.IndexLength)
	binary.Read(r, binary.BigEndian, &h.SummaryOffset)
	binary.Read(r, binary.BigEndian, &h.SummaryLength)
	return h, nil
}

// indexEntry maps a partition key to the file offset of its block.
type indexEntry struct {
	Key    cqlvalue.Key
	Offset int64
	Length int64
}

// PartitionData is one partition's full in-memory contents, as produced by
// a memtable flush or a compaction merge, ready to be written as a block.
type PartitionData struct {
	Key       cqlvalue.Key
	Static    map[string]cqlvalue.Cell
	Rows      []*cqlvalue.Row // ascending clustering-key order
	Tombstone *int64          // write-timestamp of a whole-partition delete, if any
}

// Writer builds a new SSTable file from partitions supplied in ascending
// partition-key order.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	comp    *compressor
	algo    Algorithm
	path    string
	offset  int64 // current write offset, starts after the header
	index   []indexEntry
	summary []indexEntry
	filter  *bloom.Filter
	count   uint32
	minTS   int64
	maxTS   int64
	tsSeen  bool
}

// DataFileName returns the conventional data-file name for a new SSTable, following
// the original implementation's `<uuid>-Data.db` naming.
func DataFileName(id uuid.UUID) string {
	return fmt.Sprintf("%s-Data.db", id.String())
}

// NewWriter creates an SSTable file under dir, sized for expectedPartitions
// so the bloom filter can be allocated up front.
func NewWriter(dir string, id uuid.UUID, algo Algorithm, expectedPartitions int, bloomFP float64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sstable: create directory: %w", err)
	}
	path := filepath.Join(dir, DataFileName(id))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: create file: %w", err)
	}
	comp, err := newCompressor(algo)
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &Writer{
		file:   f,
		buf:    bufio.NewWriter(f),
		comp:   comp,
		algo:   algo,
		path:   path,
		filter: bloom.New(expectedPartitions, bloomFP),
	}
	// Placeholder header; rewritten with final offsets in Finish.
	if _, err := w.buf.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, err
	}
	w.offset = headerSize
	return w, nil
}

// WritePartition appends one partition block. Partitions must be supplied in
// ascending key order (spec.md §4.3 "Build from memtable").
func (w *Writer) WritePartition(p PartitionData) error {
	raw := new(bytes.Buffer)
	if err := p.Key.Serialize(raw); err != nil {
		return err
	}
	if err := serializeCellMap(raw, p.Static); err != nil {
		return err
	}
	hasTombstone := uint8(0)
	var tombstoneTS int64
	if p.Tombstone != nil {
		hasTombstone = 1
		tombstoneTS = *p.Tombstone
	}
	binary.Write(raw, binary.BigEndian, hasTombstone)
	binary.Write(raw, binary.BigEndian, tombstoneTS)
	binary.Write(raw, binary.BigEndian, uint32(len(p.Rows)))
	for _, row := range p.Rows {
		if err := row.ClusteringKey.Serialize(raw); err != nil {
			return err
		}
		if err := serializeCellMap(raw, row.Cells); err != nil {
			return err
		}
		binary.Write(raw, binary.BigEndian, row.WriteTimestamp)
	}

	compressed, err := w.comp.compress(raw.Bytes())
	if err != nil {
		return err
	}

	blockOffset := w.offset
	if err := binary.Write(w.buf, binary.BigEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if _, err := w.buf.Write(compressed); err != nil {
		return err
	}
	blockLen := int64(4 + len(compressed))
	w.offset += blockLen

	w.filter.Add(p.Key.CacheKey())
	w.trackTimestamp(p.Tombstone)
	for _, cell := range p.Static {
		w.observeTimestamp(cell.WriteTimestamp)
	}
	for _, row := range p.Rows {
		for _, cell := range row.Cells {
			w.observeTimestamp(cell.WriteTimestamp)
		}
	}
	entry := indexEntry{Key: p.Key, Offset: blockOffset, Length: blockLen}
	w.index = append(w.index, entry)
	if w.count%summaryInterval == 0 {
		w.summary = append(w.summary, entry)
	}
	w.count++
	return nil
}

// observeTimestamp folds a cell write-timestamp into the running min/max
// bounds the header stores (spec.md §4.3: "min/max timestamp fields bound
// the timestamps of every cell inside it").
func (w *Writer) observeTimestamp(ts int64) {
	if !w.tsSeen {
		w.minTS, w.maxTS, w.tsSeen = ts, ts, true
		return
	}
	if ts < w.minTS {
		w.minTS = ts
	}
	if ts > w.maxTS {
		w.maxTS = ts
	}
}

func (w *Writer) trackTimestamp(tombstone *int64) {
	if tombstone != nil {
		w.observeTimestamp(*tombstone)
	}
}

// serializeCellMap mirrors cqlvalue's own (unexported) cell-map codec; a
// partition block's row entries omit the partition key cqlvalue.Row.Serialize
// would otherwise write, so the block format encodes cell maps directly
// rather than through Row.Serialize.
func serializeCellMap(w io.Writer, cells map[string]cqlvalue.Cell) error {
	names := make([]string, 0, len(cells))
	for n := range cells {
		names = append(names, n)
	}
	sort.Strings(names)
	if err := binary.Write(w, binary.BigEndian, uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := binary.Write(w, binary.BigEndian, uint32(len(name))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(name)); err != nil {
			return err
		}
		if err := cells[name].Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func deserializeCellMap(r io.Reader) (map[string]cqlvalue.Cell, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	cells := make(map[string]cqlvalue.Cell, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint32
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return nil, err
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, err
		}
		cell, err := cqlvalue.DeserializeCell(r)
		if err != nil {
			return nil, err
		}
		cells[string(nameBuf)] = cell
	}
	return cells, nil
}

// Finish writes the bloom filter, full index, and sparse summary, then
// rewrites the header with their final offsets, fsyncs, and closes the
// file (spec.md §4.3, §5: "fsync before the flush is acknowledged").
func (w *Writer) Finish() (*Reader, error) {
	bloomOffset := w.offset
	bloomData := w.filter.Marshal()
	if _, err := w.buf.Write(bloomData); err != nil {
		return nil, err
	}
	w.offset += int64(len(bloomData))

	indexOffset := w.offset
	indexBytes, err := marshalIndex(w.index)
	if err != nil {
		return nil, err
	}
	if _, err := w.buf.Write(indexBytes); err != nil {
		return nil, err
	}
	w.offset += int64(len(indexBytes))

	summaryOffset := w.offset
	summaryBytes, err := marshalIndex(w.summary)
	if err != nil {
		return nil, err
	}
	if _, err := w.buf.Write(summaryBytes); err != nil {
		return nil, err
	}
	w.offset += int64(len(summaryBytes))

	if err := w.buf.Flush(); err != nil {
		return nil, err
	}

	h := header{
		Compression:   w.algo,
		NumPartitions: w.count,
		MinTimestamp:  w.minTS,
		MaxTimestamp:  w.maxTS,
		BloomOffset:   bloomOffset,
		BloomLength:   int64(len(bloomData)),
		IndexOffset:   indexOffset,
		IndexLength:   int64(len(indexBytes)),
		SummaryOffset: summaryOffset,
		SummaryLength: int64(len(summaryBytes)),
	}
	if _, err := w.file.WriteAt(h.marshal(), 0); err != nil {
		return nil, err
	}
	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, err
	}

	return Open(w.path)
}

// Abort discards a partially-written SSTable file, used when a flush or
// compaction is cancelled before Finish.
func (w *Writer) Abort() error {
	w.file.Close()
	return os.Remove(w.path)
}

func marshalIndex(entries []indexEntry) ([]byte, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(entries)))
	for _, e := range entries {
		if err := e.Key.Serialize(buf); err != nil {
			return nil, err
		}
		binary.Write(buf, binary.BigEndian, e.Offset)
		binary.Write(buf, binary.BigEndian, e.Length)
	}
	return buf.Bytes(), nil
}

func unmarshalIndex(data []byte) ([]indexEntry, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	entries := make([]indexEntry, count)
	for i := range entries {
		key, err := cqlvalue.DeserializeKey(r)
		if err != nil {
			return nil, err
		}
		var offset, length int64
		binary.Read(r, binary.BigEndian, &offset)
		binary.Read(r, binary.BigEndian, &length)
		entries[i] = indexEntry{Key: key, Offset: offset, Length: length}
	}
	return entries, nil
}

// Reader is a handle onto a sealed, immutable SSTable file.
type Reader struct {
	path    string
	h       header
	comp    *compressor
	index   []indexEntry // full partition index, ascending by key
	summary []indexEntry // sparse, every summaryInterval'th entry
	filter  *bloom.Filter
	minKey  cqlvalue.Key
	maxKey  cqlvalue.Key
}

// Open reads an SSTable's header, bloom filter, and indices into memory and
// returns a handle for point and range reads. The data blocks themselves are
// read lazily from disk on demand.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}
	defer f.Close()

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return nil, fmt.Errorf("sstable: read header: %w", err)
	}
	h, err := unmarshalHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	bloomBuf := make([]byte, h.BloomLength)
	if _, err := f.ReadAt(bloomBuf, h.BloomOffset); err != nil {
		return nil, fmt.Errorf("sstable: read bloom filter: %w", err)
	}
	filter, err := bloom.Unmarshal(bloomBuf)
	if err != nil {
		return nil, err
	}

	indexBuf := make([]byte, h.IndexLength)
	if _, err := f.ReadAt(indexBuf, h.IndexOffset); err != nil {
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	index, err := unmarshalIndex(indexBuf)
	if err != nil {
		return nil, err
	}

	summaryBuf := make([]byte, h.SummaryLength)
	if _, err := f.ReadAt(summaryBuf, h.SummaryOffset); err != nil {
		return nil, fmt.Errorf("sstable: read summary: %w", err)
	}
	summary, err := unmarshalIndex(summaryBuf)
	if err != nil {
		return nil, err
	}

	comp, err := newCompressor(h.Compression)
	if err != nil {
		return nil, err
	}

	r := &Reader{path: path, h: h, comp: comp, index: index, summary: summary, filter: filter}
	if len(index) > 0 {
		r.minKey = index[0].Key
		r.maxKey = index[len(index)-1].Key
	}
	return r, nil
}

// Path returns the SSTable's file path.
func (r *Reader) Path() string { return r.path }

// NumPartitions returns the number of partitions the SSTable holds.
func (r *Reader) NumPartitions() int { return int(r.h.NumPartitions) }

// MinTimestamp and MaxTimestamp bound the write-timestamps of every cell
// this SSTable holds (spec.md §3, §4.3).
func (r *Reader) MinTimestamp() int64 { return r.h.MinTimestamp }
func (r *Reader) MaxTimestamp() int64 { return r.h.MaxTimestamp }

// MightContain reports whether the bloom filter might hold the given
// partition key. A false answer is definitive; a true answer requires a
// follow-up index lookup.
func (r *Reader) MightContain(key cqlvalue.Key) bool {
	return r.filter.MightContain(key.CacheKey())
}

// ReadPartition finds and decompresses a single partition by key, using the
// bloom filter to skip files that cannot contain it and the sparse summary
// to bound the linear scan, the same order of checks as the teacher's
// SSTable.Get (spec.md §4.3).
func (r *Reader) ReadPartition(key cqlvalue.Key) (*PartitionData, bool, error) {
	if !r.MightContain(key) {
		return nil, false, nil
	}
	if len(r.index) == 0 || key.Compare(r.minKey) < 0 || key.Compare(r.maxKey) > 0 {
		return nil, false, nil
	}

	startOffset := int64(0)
	if len(r.summary) > 0 {
		idx := sort.Search(len(r.summary), func(i int) bool {
			return r.summary[i].Key.Compare(key) > 0
		})
		if idx > 0 {
			startOffset = r.summary[idx-1].Offset
		}
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	idx := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].Offset >= startOffset
	})
	for ; idx < len(r.index); idx++ {
		entry := r.index[idx]
		cmp := entry.Key.Compare(key)
		if cmp > 0 {
			return nil, false, nil
		}
		if cmp < 0 {
			continue
		}
		return r.readBlockAt(f, entry)
	}
	return nil, false, nil
}

func (r *Reader) readBlockAt(f *os.File, entry indexEntry) (*PartitionData, bool, error) {
	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, entry.Offset); err != nil {
		return nil, false, err
	}
	blockLen := binary.BigEndian.Uint32(lenBuf)
	compressed := make([]byte, blockLen)
	if _, err := f.ReadAt(compressed, entry.Offset+4); err != nil {
		return nil, false, err
	}
	raw, err := r.comp.decompress(compressed)
	if err != nil {
		return nil, false, err
	}
	pd, err := decodePartitionBlock(bytes.NewReader(raw))
	if err != nil {
		return nil, false, err
	}
	return pd, true, nil
}

func decodePartitionBlock(r io.Reader) (*PartitionData, error) {
	key, err := cqlvalue.DeserializeKey(r)
	if err != nil {
		return nil, err
	}
	static, err := deserializeCellMap(r)
	if err != nil {
		return nil, err
	}
	var hasTombstone uint8
	if err := binary.Read(r, binary.BigEndian, &hasTombstone); err != nil {
		return nil, err
	}
	var tombstoneTS int64
	if err := binary.Read(r, binary.BigEndian, &tombstoneTS); err != nil {
		return nil, err
	}
	var tombstone *int64
	if hasTombstone != 0 {
		tombstone = &tombstoneTS
	}
	var rowCount uint32
	if err := binary.Read(r, binary.BigEndian, &rowCount); err != nil {
		return nil, err
	}
	rows := make([]*cqlvalue.Row, rowCount)
	for i := range rows {
		ck, err := cqlvalue.DeserializeKey(r)
		if err != nil {
			return nil, err
		}
		cells, err := deserializeCellMap(r)
		if err != nil {
			return nil, err
		}
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, err
		}
		rows[i] = &cqlvalue.Row{
			PartitionKey:   key,
			ClusteringKey:  ck,
			Cells:          cells,
			WriteTimestamp: ts,
		}
	}
	return &PartitionData{Key: key, Static: static, Rows: rows, Tombstone: tombstone}, nil
}

// AllPartitions returns every partition in ascending key order, used by
// compaction's merge path.
func (r *Reader) AllPartitions() ([]*PartitionData, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make([]*PartitionData, 0, len(r.index))
	for _, entry := range r.index {
		pd, ok, err := r.readBlockAt(f, entry)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pd)
		}
	}
	return out, nil
}

// MinKey and MaxKey bound the partitions this SSTable holds.
func (r *Reader) MinKey() cqlvalue.Key { return r.minKey }
func (r *Reader) MaxKey() cqlvalue.Key { return r.maxKey }

// Delete removes the SSTable's backing file (spec.md §4.8 Deleted state).
func (r *Reader) Delete() error {
	return os.Remove(r.path)
}
