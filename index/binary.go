package index

// uvarintLen returns the number of bytes binary.AppendUvarint would emit for x.
func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
