package index

import (
	"encoding/binary"
	"errors"
)

// ByteRangeIndex maps a local sample ordinal to the contiguous byte range
// the sample occupies within its chunk's payload. Ranges are reconstructed
// by prefix-summing run lengths times their per-sample byte size, so the
// index never stores absolute offsets.
type ByteRangeIndex struct {
	runs       []byteRun
	numSamples int
}

type byteRun struct {
	bytesPerSample int
	runLength      int
}

// NewByteRangeIndex creates an empty byte-range index.
func NewByteRangeIndex() *ByteRangeIndex {
	return &ByteRangeIndex{}
}

// Append records one run of runLength samples, each occupying exactly
// bytesPerSample contiguous bytes.
func (x *ByteRangeIndex) Append(bytesPerSample, runLength int) error {
	if runLength <= 0 {
		return &InvalidRunError{RunLength: runLength, Reason: "run length must be positive"}
	}
	if bytesPerSample < 0 {
		return &InvalidRunError{RunLength: runLength, Reason: "bytes per sample must be non-negative"}
	}

	x.runs = append(x.runs, byteRun{bytesPerSample: bytesPerSample, runLength: runLength})
	x.numSamples += runLength

	return nil
}

// ByteRange returns the half-open byte range [start, end) of the sample at
// the given local ordinal.
func (x *ByteRangeIndex) ByteRange(i int) (start, end int, err error) {
	if i < 0 || i >= x.numSamples {
		return 0, 0, &OutOfRangeError{Index: i, NumSamples: x.numSamples}
	}

	seen := 0
	offset := 0
	for _, r := range x.runs {
		if i < seen+r.runLength {
			start = offset + (i-seen)*r.bytesPerSample
			return start, start + r.bytesPerSample, nil
		}
		seen += r.runLength
		offset += r.runLength * r.bytesPerSample
	}

	// Unreachable: numSamples is the sum of all run lengths.
	return 0, 0, &OutOfRangeError{Index: i, NumSamples: x.numSamples}
}

// NumSamples returns the sum of all run lengths.
func (x *ByteRangeIndex) NumSamples() int {
	return x.numSamples
}

// TotalBytes returns the payload byte count covered by all recorded runs.
func (x *ByteRangeIndex) TotalBytes() int {
	total := 0
	for _, r := range x.runs {
		total += r.runLength * r.bytesPerSample
	}
	return total
}

// NumRuns returns the number of recorded runs.
func (x *ByteRangeIndex) NumRuns() int {
	return len(x.runs)
}

// NBytes returns the exact serialized size of the run list without
// materializing it.
func (x *ByteRangeIndex) NBytes() int {
	n := uvarintLen(uint64(len(x.runs)))
	for _, r := range x.runs {
		n += uvarintLen(uint64(r.bytesPerSample))
		n += uvarintLen(uint64(r.runLength))
	}
	return n
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (x *ByteRangeIndex) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, x.NBytes())

	buf = binary.AppendUvarint(buf, uint64(len(x.runs)))
	for _, r := range x.runs {
		buf = binary.AppendUvarint(buf, uint64(r.bytesPerSample))
		buf = binary.AppendUvarint(buf, uint64(r.runLength))
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (x *ByteRangeIndex) UnmarshalBinary(data []byte) error {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return errors.New("invalid run count")
	}
	data = data[n:]

	runs := make([]byteRun, 0, count)
	numSamples := 0

	for range count {
		bps, n := binary.Uvarint(data)
		if n <= 0 {
			return errors.New("short buffer for bytes per sample")
		}
		data = data[n:]

		rl, n := binary.Uvarint(data)
		if n <= 0 {
			return errors.New("short buffer for run length")
		}
		data = data[n:]

		if rl == 0 {
			return errors.New("zero run length")
		}

		runs = append(runs, byteRun{bytesPerSample: int(bps), runLength: int(rl)})
		numSamples += int(rl)
	}

	x.runs = runs
	x.numSamples = numSamples
	return nil
}
