package chunkstore

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewTextHandler(&buf, nil))

	l.WithStream("images").WithChunkID(7).Info("flushing")

	out := buf.String()
	assert.Contains(t, out, "stream=images")
	assert.Contains(t, out, "chunk_id=7")
	assert.Contains(t, out, "flushing")
}

func TestNoopLoggerDiscards(t *testing.T) {
	l := NoopLogger()
	l.WithStream("s").Info("dropped")
	l.Error("dropped too")
}
