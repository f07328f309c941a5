package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrSealed is returned when extending a chunk that already has a
	// successor. A sealed chunk accepts no further batches; continuation
	// writes go to the spawned child instead.
	ErrSealed = errors.New("chunk is sealed: successor already spawned")

	// ErrNoSpace is returned when starting a new batch on a chunk whose
	// occupancy is at or past the soft fullness threshold.
	ErrNoSpace = errors.New("chunk has no space left for a new batch")

	// ErrInvalidMagic indicates a serialized chunk with an unknown magic number.
	ErrInvalidMagic = errors.New("invalid magic number")

	// ErrUnsupportedVersion indicates a serialized chunk from an unsupported
	// format version.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrChecksumMismatch indicates a serialized chunk whose checksum does not
	// match its contents.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// InvalidBatchError indicates a batch whose buffer and sample count do not
// describe equal-sized samples.
type InvalidBatchError struct {
	NumSamples int
	NumBytes   int
}

func (e *InvalidBatchError) Error() string {
	if e.NumSamples <= 0 {
		return fmt.Sprintf("invalid batch: sample count must be positive, got %d", e.NumSamples)
	}
	return fmt.Sprintf("invalid batch: buffer length %d not divisible by sample count %d", e.NumBytes, e.NumSamples)
}

// CorruptChunkError indicates a malformed or truncated serialized chunk.
//
// The underlying cause (if any) can be accessed via errors.Unwrap.
type CorruptChunkError struct {
	Section string
	cause   error
}

func (e *CorruptChunkError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("corrupt chunk (%s): %v", e.Section, e.cause)
	}
	return fmt.Sprintf("corrupt chunk (%s)", e.Section)
}

func (e *CorruptChunkError) Unwrap() error { return e.cause }
