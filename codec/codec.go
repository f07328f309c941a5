// Package codec centralizes sample-payload encoding.
//
// The chunk engine moves opaque byte ranges; codecs sit at its boundary and
// transform sample bytes on the way in and out. Codec selection is a
// breaking-change boundary: bytes persisted under one codec may no longer
// decode if the codec changes, so self-describing persisted state stores the
// codec name and resolves it with ByName.
package codec

// Codec transforms opaque sample bytes.
// Implementations must be safe for concurrent use.
type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = Raw{}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "raw":
		return Raw{}, true
	case "zstd":
		c, err := NewZstd()
		if err != nil {
			return nil, false
		}
		return c, true
	case "lz4":
		return LZ4{}, true
	default:
		return nil, false
	}
}

// Raw passes bytes through unchanged.
type Raw struct{}

// Encode implements Codec.
func (Raw) Encode(src []byte) ([]byte, error) { return src, nil }

// Decode implements Codec.
func (Raw) Decode(src []byte) ([]byte, error) { return src, nil }

// Name implements Codec.
func (Raw) Name() string { return "raw" }
