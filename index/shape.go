package index

import (
	"encoding/binary"
	"errors"
	"slices"
)

// ShapeIndex maps a local sample ordinal to its shape. Consecutive samples
// appended in one batch share a shape, so storage is one run per batch.
type ShapeIndex struct {
	runs       []shapeRun
	numSamples int
}

type shapeRun struct {
	shape     []int
	runLength int
}

// NewShapeIndex creates an empty shape index.
func NewShapeIndex() *ShapeIndex {
	return &ShapeIndex{}
}

// Append records one run of runLength samples sharing the given shape.
// The shape is copied.
func (x *ShapeIndex) Append(shape []int, runLength int) error {
	if runLength <= 0 {
		return &InvalidRunError{RunLength: runLength, Reason: "run length must be positive"}
	}
	if len(shape) == 0 {
		return &InvalidRunError{RunLength: runLength, Reason: "shape must not be empty"}
	}
	for _, dim := range shape {
		if dim < 0 {
			return &InvalidRunError{RunLength: runLength, Reason: "shape dimensions must be non-negative"}
		}
	}

	x.runs = append(x.runs, shapeRun{shape: slices.Clone(shape), runLength: runLength})
	x.numSamples += runLength

	return nil
}

// ShapeAt returns the shape of the sample at the given local ordinal.
// The returned slice must be treated as read-only.
func (x *ShapeIndex) ShapeAt(i int) ([]int, error) {
	if i < 0 || i >= x.numSamples {
		return nil, &OutOfRangeError{Index: i, NumSamples: x.numSamples}
	}

	seen := 0
	for _, r := range x.runs {
		if i < seen+r.runLength {
			return r.shape, nil
		}
		seen += r.runLength
	}

	return nil, &OutOfRangeError{Index: i, NumSamples: x.numSamples}
}

// NumSamples returns the sum of all run lengths.
func (x *ShapeIndex) NumSamples() int {
	return x.numSamples
}

// NumRuns returns the number of recorded runs.
func (x *ShapeIndex) NumRuns() int {
	return len(x.runs)
}

// NBytes returns the exact serialized size of the run list without
// materializing it.
func (x *ShapeIndex) NBytes() int {
	n := uvarintLen(uint64(len(x.runs)))
	for _, r := range x.runs {
		n += uvarintLen(uint64(r.runLength))
		n += uvarintLen(uint64(len(r.shape)))
		for _, dim := range r.shape {
			n += uvarintLen(uint64(dim))
		}
	}
	return n
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (x *ShapeIndex) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, x.NBytes())

	buf = binary.AppendUvarint(buf, uint64(len(x.runs)))
	for _, r := range x.runs {
		buf = binary.AppendUvarint(buf, uint64(r.runLength))
		buf = binary.AppendUvarint(buf, uint64(len(r.shape)))
		for _, dim := range r.shape {
			buf = binary.AppendUvarint(buf, uint64(dim))
		}
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (x *ShapeIndex) UnmarshalBinary(data []byte) error {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return errors.New("invalid run count")
	}
	data = data[n:]

	runs := make([]shapeRun, 0, count)
	numSamples := 0

	for range count {
		rl, n := binary.Uvarint(data)
		if n <= 0 {
			return errors.New("short buffer for run length")
		}
		data = data[n:]

		dims, n := binary.Uvarint(data)
		if n <= 0 {
			return errors.New("short buffer for shape rank")
		}
		data = data[n:]

		if rl == 0 {
			return errors.New("zero run length")
		}
		if dims == 0 {
			return errors.New("empty shape")
		}

		shape := make([]int, dims)
		for d := range shape {
			v, n := binary.Uvarint(data)
			if n <= 0 {
				return errors.New("short buffer for shape dimension")
			}
			data = data[n:]
			shape[d] = int(v)
		}

		runs = append(runs, shapeRun{shape: shape, runLength: int(rl)})
		numSamples += int(rl)
	}

	x.runs = runs
	x.numSamples = numSamples
	return nil
}
