// Package wal provides write-ahead staging for chunk mutation.
//
// Chunk extension is not atomic across the blob write and the manifest
// commit. Callers that need crash safety log each batch here before mutating
// chunks; after a successful flush-and-commit the log is checkpointed.
// Replay hands back the batches that were staged but never committed.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/chunkstore/codec"
)

const (
	fileName = "chunkstore.wal"

	// magicNumber identifies WAL files (ASCII: "CWL1").
	magicNumber = 0x43574C31
	version     = 1
)

// Options configures a WAL.
type Options struct {
	// Path is the directory holding the WAL file.
	Path string
	// Codec compresses record bodies. Defaults to codec.Raw.
	Codec codec.Codec
	// SyncOnWrite fsyncs after every append. Slower, but a torn tail is
	// then the only possible loss.
	SyncOnWrite bool
}

// DefaultOptions are the options used when none are given.
var DefaultOptions = Options{
	Path:  "wal",
	Codec: codec.Raw{},
}

// Record is one staged batch append.
type Record struct {
	// Seq is the record's sequence number, assigned on append.
	Seq uint64
	// Stream names the logical stream the batch belongs to.
	Stream string
	// TotalBefore is the stream's sample count before this batch. Replay
	// uses it to skip records whose samples already reached the manifest.
	TotalBefore uint64
	// NumSamples is the batch's sample count.
	NumSamples int
	// Shape is the shape shared by every sample in the batch.
	Shape []int
	// Payload holds the batch's encoded sample bytes.
	Payload []byte
}

// WAL is an append-only, CRC-checked batch log.
// Safe for concurrent use.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	codec    codec.Codec
	filePath string
	seqNum   uint64
	sync     bool
}

// New opens (or creates) the WAL in the configured directory and positions
// it for appending.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Raw{}
	}

	if err := os.MkdirAll(opts.Path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, fileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		codec:    opts.Codec,
		filePath: filePath,
		sync:     opts.SyncOnWrite,
	}

	if err := w.initialize(opts); err != nil {
		_ = file.Close()
		return nil, err
	}

	w.writer = bufio.NewWriter(file)
	return w, nil
}

func (w *WAL) initialize(opts Options) error {
	st, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}

	if st.Size() == 0 {
		if err := w.writeHeader(opts.Codec.Name()); err != nil {
			return err
		}
		return nil
	}

	codecName, err := w.readHeader()
	if err != nil {
		return err
	}
	c, ok := codec.ByName(codecName)
	if !ok {
		return fmt.Errorf("unknown WAL codec %q", codecName)
	}
	w.codec = c

	// Scan existing records to find the next sequence number and the end of
	// the valid entry stream; a torn tail from a crash is truncated.
	end, err := w.scan()
	if err != nil {
		return err
	}
	if err := w.file.Truncate(end); err != nil {
		return fmt.Errorf("failed to truncate torn WAL tail: %w", err)
	}
	if _, err := w.file.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL end: %w", err)
	}

	return nil
}

func (w *WAL) writeHeader(codecName string) error {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, magicNumber)
	buf = binary.BigEndian.AppendUint32(buf, version)
	buf = binary.AppendUvarint(buf, uint64(len(codecName)))
	buf = append(buf, codecName...)

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	return nil
}

func (w *WAL) readHeader() (string, error) {
	r := bufio.NewReader(w.file)

	var fixed [8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return "", fmt.Errorf("failed to read WAL header: %w", err)
	}
	if binary.BigEndian.Uint32(fixed[:4]) != magicNumber {
		return "", errors.New("invalid WAL magic number")
	}
	if binary.BigEndian.Uint32(fixed[4:]) != version {
		return "", errors.New("unsupported WAL version")
	}

	nameLen, err := binary.ReadUvarint(r)
	if err != nil {
		return "", fmt.Errorf("failed to read WAL codec name: %w", err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", fmt.Errorf("failed to read WAL codec name: %w", err)
	}

	return string(name), nil
}

// headerLen returns the byte length of the file header.
func headerLen(codecName string) int64 {
	n := int64(8) + int64(len(codecName))
	v := uint64(len(codecName))
	for {
		n++
		v >>= 7
		if v == 0 {
			return n
		}
	}
}

// Append stages one batch record and returns its sequence number.
func (w *WAL) Append(rec Record) (uint64, error) {
	body := appendRecordBody(nil, rec)

	encoded, err := w.codec.Encode(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode WAL record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seqNum++

	var frame []byte
	frame = binary.AppendUvarint(frame, w.seqNum)
	frame = binary.AppendUvarint(frame, uint64(len(encoded)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(encoded))
	frame = append(frame, encoded...)

	if _, err := w.writer.Write(frame); err != nil {
		return 0, fmt.Errorf("failed to append WAL record: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL record: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	return w.seqNum, nil
}

// Replay calls fn for every staged record in append order.
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.replayLocked(fn)
}

func (w *WAL) replayLocked(fn func(Record) error) error {
	if _, err := w.file.Seek(headerLen(w.codec.Name()), io.SeekStart); err != nil {
		return err
	}
	defer func() {
		_, _ = w.file.Seek(0, io.SeekEnd)
	}()

	r := bufio.NewReader(w.file)
	for {
		rec, err := readRecord(r, w.codec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Checkpoint discards all staged records after a successful flush.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hdr := headerLen(w.codec.Name())
	if err := w.file.Truncate(hdr); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := w.file.Seek(hdr, io.SeekStart); err != nil {
		return err
	}
	w.writer.Reset(w.file)

	return w.file.Sync()
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	return w.filePath
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// scan walks the entry stream, sets the next sequence number, and returns
// the offset just past the last intact record.
func (w *WAL) scan() (int64, error) {
	hdr := headerLen(w.codec.Name())
	if _, err := w.file.Seek(hdr, io.SeekStart); err != nil {
		return 0, err
	}

	cr := &countingReader{r: bufio.NewReader(w.file)}
	end := hdr

	for {
		rec, err := readRecord(cr, w.codec)
		if err != nil {
			// A torn or corrupt tail ends the valid stream.
			return end, nil
		}
		w.seqNum = rec.Seq
		end = hdr + cr.n
	}
}

func appendRecordBody(buf []byte, rec Record) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(rec.Stream)))
	buf = append(buf, rec.Stream...)
	buf = binary.AppendUvarint(buf, rec.TotalBefore)
	buf = binary.AppendUvarint(buf, uint64(rec.NumSamples))
	buf = binary.AppendUvarint(buf, uint64(len(rec.Shape)))
	for _, dim := range rec.Shape {
		buf = binary.AppendUvarint(buf, uint64(dim))
	}
	buf = binary.AppendUvarint(buf, uint64(len(rec.Payload)))
	buf = append(buf, rec.Payload...)
	return buf
}

func readRecord(r io.ByteReader, c codec.Codec) (Record, error) {
	seq, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, err
	}

	encodedLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, err
	}

	var sumBytes [4]byte
	if err := readFullBytes(r, sumBytes[:]); err != nil {
		return Record{}, err
	}

	encoded := make([]byte, encodedLen)
	if err := readFullBytes(r, encoded); err != nil {
		return Record{}, err
	}

	if crc32.ChecksumIEEE(encoded) != binary.BigEndian.Uint32(sumBytes[:]) {
		return Record{}, errors.New("WAL record checksum mismatch")
	}

	body, err := c.Decode(encoded)
	if err != nil {
		return Record{}, fmt.Errorf("failed to decode WAL record: %w", err)
	}

	rec, err := parseRecordBody(body)
	if err != nil {
		return Record{}, err
	}
	rec.Seq = seq

	return rec, nil
}

func parseRecordBody(body []byte) (Record, error) {
	var rec Record

	streamLen, n := binary.Uvarint(body)
	if n <= 0 || uint64(len(body[n:])) < streamLen {
		return Record{}, errors.New("short WAL record: stream")
	}
	body = body[n:]
	rec.Stream = string(body[:streamLen])
	body = body[streamLen:]

	totalBefore, n := binary.Uvarint(body)
	if n <= 0 {
		return Record{}, errors.New("short WAL record: total")
	}
	body = body[n:]
	rec.TotalBefore = totalBefore

	numSamples, n := binary.Uvarint(body)
	if n <= 0 {
		return Record{}, errors.New("short WAL record: sample count")
	}
	body = body[n:]
	rec.NumSamples = int(numSamples)

	rank, n := binary.Uvarint(body)
	if n <= 0 {
		return Record{}, errors.New("short WAL record: shape rank")
	}
	body = body[n:]

	rec.Shape = make([]int, rank)
	for d := range rec.Shape {
		dim, n := binary.Uvarint(body)
		if n <= 0 {
			return Record{}, errors.New("short WAL record: shape")
		}
		body = body[n:]
		rec.Shape[d] = int(dim)
	}

	payloadLen, n := binary.Uvarint(body)
	if n <= 0 || uint64(len(body[n:])) < payloadLen {
		return Record{}, errors.New("short WAL record: payload")
	}
	body = body[n:]
	rec.Payload = append([]byte(nil), body[:payloadLen]...)

	return rec, nil
}

func readFullBytes(r io.ByteReader, p []byte) error {
	if rr, ok := r.(io.Reader); ok {
		_, err := io.ReadFull(rr, p)
		return err
	}
	for i := range p {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}

// countingReader tracks how many bytes have been consumed.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
