// Package codec compresses image blobs before they are written to a store backend.
package codec

import (
	"github.com/klauspost/compress/zstd"
)

var enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var dec, _ = zstd.NewReader(nil)

// EncodeBlob compresses b. A nil blob stays nil so "no blob" survives a round trip.
func EncodeBlob(b []byte) []byte {
	if b == nil {
		return nil
	}
	return enc.EncodeAll(b, make([]byte, 0, len(b)))
}

// DecodeBlob reverses EncodeBlob.
func DecodeBlob(b []byte) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
