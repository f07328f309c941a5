package chunk

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/hupe1980/chunkstore/index"
)

const (
	// magicNumber identifies serialized chunk blobs (ASCII: "CHK1").
	magicNumber = 0x43484B31
	// formatVersion is the current blob format version.
	formatVersion = 1
)

// MarshalBinary implements encoding.BinaryMarshaler.
//
// The blob is self-describing: magic, version, capacity, base offset, the
// two length-prefixed index sections, the length-prefixed payload, and a
// trailing CRC32 over everything before it. The successor link is not part
// of the serialized form; chain order lives in the registry.
func (c *Chunk) MarshalBinary() ([]byte, error) {
	shapeBytes, err := c.shapes.MarshalBinary()
	if err != nil {
		return nil, err
	}
	rangeBytes, err := c.byteRanges.MarshalBinary()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, c.SizeInBytes())

	buf = binary.BigEndian.AppendUint32(buf, magicNumber)
	buf = binary.BigEndian.AppendUint32(buf, formatVersion)
	buf = binary.AppendUvarint(buf, uint64(c.maxDataBytes))
	buf = binary.AppendUvarint(buf, uint64(c.baseOffset))

	buf = binary.AppendUvarint(buf, uint64(len(shapeBytes)))
	buf = append(buf, shapeBytes...)
	buf = binary.AppendUvarint(buf, uint64(len(rangeBytes)))
	buf = append(buf, rangeBytes...)
	buf = binary.AppendUvarint(buf, uint64(len(c.data)))
	buf = append(buf, c.data...)

	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
//
// The chunk is reconstructed without its successor link, which the caller
// rewires from the registry's ordered ID list.
func (c *Chunk) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return &CorruptChunkError{Section: "header", cause: errors.New("short buffer")}
	}

	body := data[:len(data)-4]
	sum := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return &CorruptChunkError{Section: "checksum", cause: ErrChecksumMismatch}
	}

	if binary.BigEndian.Uint32(body) != magicNumber {
		return &CorruptChunkError{Section: "header", cause: ErrInvalidMagic}
	}
	if binary.BigEndian.Uint32(body[4:]) != formatVersion {
		return &CorruptChunkError{Section: "header", cause: ErrUnsupportedVersion}
	}
	body = body[8:]

	maxDataBytes, n := binary.Uvarint(body)
	if n <= 0 {
		return &CorruptChunkError{Section: "capacity", cause: errors.New("short buffer")}
	}
	body = body[n:]

	baseOffset, n := binary.Uvarint(body)
	if n <= 0 {
		return &CorruptChunkError{Section: "base offset", cause: errors.New("short buffer")}
	}
	body = body[n:]

	shapeBytes, body, err := readSection(body)
	if err != nil {
		return &CorruptChunkError{Section: "shape index", cause: err}
	}
	rangeBytes, body, err := readSection(body)
	if err != nil {
		return &CorruptChunkError{Section: "byte-range index", cause: err}
	}
	payload, _, err := readSection(body)
	if err != nil {
		return &CorruptChunkError{Section: "payload", cause: err}
	}

	shapes := index.NewShapeIndex()
	if err := shapes.UnmarshalBinary(shapeBytes); err != nil {
		return &CorruptChunkError{Section: "shape index", cause: err}
	}
	byteRanges := index.NewByteRangeIndex()
	if err := byteRanges.UnmarshalBinary(rangeBytes); err != nil {
		return &CorruptChunkError{Section: "byte-range index", cause: err}
	}

	if int(maxDataBytes) <= 0 || len(payload) > int(maxDataBytes) {
		return &CorruptChunkError{Section: "payload", cause: errors.New("payload exceeds capacity")}
	}

	c.maxDataBytes = int(maxDataBytes)
	c.minDataBytesTarget = int(maxDataBytes) / 2
	c.baseOffset = int(baseOffset)
	c.data = append([]byte(nil), payload...)
	c.shapes = shapes
	c.byteRanges = byteRanges
	c.next = nil

	return nil
}

// readSection reads one length-prefixed section and returns it together with
// the remaining buffer.
func readSection(data []byte) (section, rest []byte, err error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, errors.New("invalid section length")
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, nil, errors.New("short buffer for section")
	}
	return data[:length], data[length:], nil
}
