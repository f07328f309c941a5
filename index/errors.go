package index

import "fmt"

// InvalidRunError indicates an index append with an unusable run.
type InvalidRunError struct {
	RunLength int
	Reason    string
}

func (e *InvalidRunError) Error() string {
	return fmt.Sprintf("invalid run (length %d): %s", e.RunLength, e.Reason)
}

// OutOfRangeError indicates a lookup past the recorded sample count.
type OutOfRangeError struct {
	Index      int
	NumSamples int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("sample index %d out of range (%d samples recorded)", e.Index, e.NumSamples)
}
