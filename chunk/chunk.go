// Package chunk implements the capacity-bounded payload containers of the
// chunked tensor storage layer.
//
// A chunk owns an opaque payload buffer plus two run-length indexes (sample
// shapes and per-sample byte ranges). Batches that overflow a chunk's
// capacity are split across a chain of chunks linked by successor pointers;
// the chain is append-only and the index metadata for a batch lives on the
// chunk where the batch started.
package chunk

import (
	"github.com/hupe1980/chunkstore/index"
)

const (
	// DefaultMaxDataBytes is the default payload capacity of a chunk.
	DefaultMaxDataBytes = 16 << 20

	// containerOverhead is the slack accounted for serialization framing
	// (magic, version, section lengths, checksum).
	containerOverhead = 64
)

// Chunk is a capacity-bounded payload buffer with per-sample index metadata
// and an optional link to its successor in a chain.
//
// A chunk is not safe for concurrent use: callers must serialize writes per
// chain and must not read while an Extend is in flight.
type Chunk struct {
	maxDataBytes       int
	minDataBytesTarget int

	data []byte

	shapes     *index.ShapeIndex
	byteRanges *index.ByteRangeIndex

	// baseOffset is the payload offset at which the first locally recorded
	// batch begins. Non-zero when the chunk head holds continuation bytes
	// spilled from a predecessor.
	baseOffset int

	next *Chunk
}

// New creates an empty chunk with the given payload capacity.
// If maxDataBytes <= 0, DefaultMaxDataBytes is used.
func New(maxDataBytes int) *Chunk {
	if maxDataBytes <= 0 {
		maxDataBytes = DefaultMaxDataBytes
	}
	return &Chunk{
		maxDataBytes:       maxDataBytes,
		minDataBytesTarget: maxDataBytes / 2,
		shapes:             index.NewShapeIndex(),
		byteRanges:         index.NewByteRangeIndex(),
	}
}

// NumSamples returns the count of samples whose batch was recorded at this
// chunk. Samples whose bytes spilled in from a predecessor are not counted.
func (c *Chunk) NumSamples() int {
	return c.byteRanges.NumSamples()
}

// NumDataBytes returns the resident payload length.
func (c *Chunk) NumDataBytes() int {
	return len(c.data)
}

// MaxDataBytes returns the payload capacity fixed at construction.
func (c *Chunk) MaxDataBytes() int {
	return c.maxDataBytes
}

// HasSpace reports whether the chunk may still start a new batch. Occupancy
// at or past half capacity disqualifies the chunk even though physical room
// remains up to MaxDataBytes; the slack is left for continuation bytes.
func (c *Chunk) HasSpace() bool {
	return len(c.data) < c.minDataBytesTarget
}

// Sealed reports whether a successor has been spawned. A sealed chunk
// accepts no further batches.
func (c *Chunk) Sealed() bool {
	return c.next != nil
}

// Next returns the successor chunk, or nil for the chain tail.
func (c *Chunk) Next() *Chunk {
	return c.next
}

// SetNext wires the successor link on a freshly deserialized chunk. Chains
// are reconstructed from the registry's ordered ID list because successor
// links are not part of the serialized form. Once set, a link is never
// cleared or reassigned.
func (c *Chunk) SetNext(next *Chunk) {
	if c.next != nil {
		return
	}
	c.next = next
}

// Data returns the resident payload. The returned slice must be treated as
// read-only.
func (c *Chunk) Data() []byte {
	return c.data
}

// Extend appends one batch of numSamples equal-sized samples held in buf,
// all sharing sampleShape. Index metadata is recorded on this chunk; payload
// bytes that do not fit are forwarded to freshly spawned successor chunks.
//
// The returned slice holds every spawned chunk in chain order. Concatenating
// the payload written to this chunk and to each returned chunk reproduces
// buf exactly.
func (c *Chunk) Extend(buf []byte, numSamples int, sampleShape []int) ([]*Chunk, error) {
	if c.next != nil {
		return nil, ErrSealed
	}
	if !c.HasSpace() {
		return nil, ErrNoSpace
	}
	if numSamples <= 0 || len(buf)%numSamples != 0 {
		return nil, &InvalidBatchError{NumSamples: numSamples, NumBytes: len(buf)}
	}

	// Headers first: erroneous headers are safer than unaccounted-for data.
	if err := c.recordHeaders(buf, numSamples, sampleShape); err != nil {
		return nil, err
	}

	var spawned []*Chunk

	cur := c
	rest := buf
	for len(rest) > 0 {
		rest = rest[cur.fill(rest):]
		if len(rest) == 0 {
			break
		}
		child := cur.spawnChild()
		spawned = append(spawned, child)
		cur = child
	}

	return spawned, nil
}

// recordHeaders appends one run to each index for the incoming batch and
// pins the base payload offset on the first batch recorded here.
func (c *Chunk) recordHeaders(buf []byte, numSamples int, sampleShape []int) error {
	if c.byteRanges.NumSamples() == 0 {
		c.baseOffset = len(c.data)
	}

	if err := c.shapes.Append(sampleShape, numSamples); err != nil {
		return err
	}
	return c.byteRanges.Append(len(buf)/numSamples, numSamples)
}

// fill copies as many incoming bytes as the packing policy allows and
// returns the count actually copied. Partially filling an occupied chunk is
// skipped entirely when doing so would raise the total chunk count over
// writing the buffer into fresh chunks.
func (c *Chunk) fill(buf []byte) int {
	if c.chunksNeeded(len(buf)) != c.chunksNeeded(len(buf)+len(c.data)) {
		return 0
	}

	fits := min(len(buf), c.maxDataBytes-len(c.data))
	c.data = append(c.data, buf[:fits]...)
	return fits
}

// chunksNeeded returns the minimum number of chunks that can hold numBytes.
func (c *Chunk) chunksNeeded(numBytes int) int {
	return (numBytes + c.maxDataBytes - 1) / c.maxDataBytes
}

func (c *Chunk) spawnChild() *Chunk {
	child := New(c.maxDataBytes)
	c.next = child
	return child
}

// Sample describes one locally recorded sample: its shape and the payload
// byte range it occupies.
type Sample struct {
	// Start and End delimit the half-open byte range of the sample, as an
	// offset into this chunk's payload. End may exceed the resident payload
	// length when the sample's bytes continue in successor chunks.
	Start int
	End   int

	// Shape is the sample's shape. Read-only.
	Shape []int
}

// SampleAt returns the byte range and shape of the sample at the given local
// ordinal. Ordinals address samples whose batch was recorded at this chunk.
func (c *Chunk) SampleAt(i int) (Sample, error) {
	start, end, err := c.byteRanges.ByteRange(i)
	if err != nil {
		return Sample{}, err
	}

	shape, err := c.shapes.ShapeAt(i)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Start: start + c.baseOffset,
		End:   end + c.baseOffset,
		Shape: shape,
	}, nil
}

// SizeInBytes estimates the serialized footprint without serializing:
// both index run lists, the resident payload, and fixed framing slack.
func (c *Chunk) SizeInBytes() int {
	return c.shapes.NBytes() + c.byteRanges.NBytes() + len(c.data) + containerOverhead
}
