package minio

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"no prefix", ""},
		{"prefix", "my-dataset"},
		{"trailing slash prefix", "my-dataset/"},
		{"nested prefix", "datasets/mnist/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{prefix: tt.prefix}
			stored := path.Join(tt.prefix, "chunks/0000000000000001")
			assert.Equal(t, "chunks/0000000000000001", s.trimKey(stored))
		})
	}
}
