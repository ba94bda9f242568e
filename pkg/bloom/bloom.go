// Package bloom implements the probabilistic partition-key membership
// filter SSTables carry (spec.md §4.1). Adapted from the teacher's
// pkg/lsm/bloom.go: the same double-hashing scheme over hash/fnv, but sized
// by the standard optimal-m/k formula instead of a fixed 10-bits-per-item,
// 3-hash approximation, and hashed over cqlvalue's domain-separated
// CacheKey encoding instead of raw bytes.
package bloom

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// Filter is a Bloom filter over partition-key cache keys. It never produces
// false negatives.
type Filter struct {
	bits      []byte
	numBits   int
	numHashes int
}

// New constructs a filter sized so that, for expectedItems insertions, the
// actual false-positive rate is at most targetFPRate.
//
//	m = ceil(-n * ln(p) / (ln 2)^2)
//	k = round(m / n * ln 2)
func New(expectedItems int, targetFPRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if targetFPRate <= 0 || targetFPRate >= 1 {
		targetFPRate = 0.01
	}
	n := float64(expectedItems)
	m := math.Ceil(-n * math.Log(targetFPRate) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	k := int(math.Round(m / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	numBits := int(m)
	return &Filter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: k,
	}
}

// NewWithHashes builds a filter with an explicit bit count and hash-function
// count, matching the teacher's original constructor shape for callers that
// want to pick parameters directly rather than derive them from a target
// false-positive rate.
func NewWithHashes(numBits, numHashes int) *Filter {
	if numBits < 8 {
		numBits = 8
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return &Filter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// Add records a partition key's cache-key bytes in the filter.
func (f *Filter) Add(cacheKey []byte) {
	h1, h2 := f.seeds(cacheKey)
	for i := 0; i < f.numHashes; i++ {
		f.setBit(combine(h1, h2, i) % uint64(f.numBits))
	}
}

// MightContain returns false only if the key is definitely absent.
func (f *Filter) MightContain(cacheKey []byte) bool {
	h1, h2 := f.seeds(cacheKey)
	for i := 0; i < f.numHashes; i++ {
		if !f.getBit(combine(h1, h2, i) % uint64(f.numBits)) {
			return false
		}
	}
	return true
}

func combine(h1, h2 uint64, i int) uint64 {
	// Kirsch-Mitzenmacher double hashing: h(i) = h1 + i*h2.
	return h1 + uint64(i)*h2
}

func (f *Filter) seeds(cacheKey []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(cacheKey)
	h1 := h.Sum64()

	h.Reset()
	h.Write(cacheKey)
	h.Write([]byte{0xFF})
	h2 := h.Sum64()

	return h1, h2
}

func (f *Filter) setBit(bit uint64) {
	f.bits[bit/8] |= 1 << (bit % 8)
}

func (f *Filter) getBit(bit uint64) bool {
	return f.bits[bit/8]&(1<<(bit%8)) != 0
}

// Marshal serializes the bit array and hash parameters for SSTable storage.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 8+len(f.bits))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.numBits))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.numHashes))
	copy(buf[8:], f.bits)
	return buf
}

// Unmarshal deserializes a filter written by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bloom: truncated filter data (%d bytes)", len(data))
	}
	numBits := int(binary.BigEndian.Uint32(data[0:4]))
	numHashes := int(binary.BigEndian.Uint32(data[4:8]))
	bits := make([]byte, len(data)-8)
	copy(bits, data[8:])
	return &Filter{bits: bits, numBits: numBits, numHashes: numHashes}, nil
}

// EstimatedFalsePositiveRate reports the filter's current estimated
// false-positive rate given how many items it believes it holds, following
// the standard (1 - e^(-kn/m))^k approximation.
func (f *Filter) EstimatedFalsePositiveRate(itemsAdded int) float64 {
	if itemsAdded <= 0 {
		return 0
	}
	k := float64(f.numHashes)
	m := float64(f.numBits)
	n := float64(itemsAdded)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
