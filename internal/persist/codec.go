package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
}

// Compress zstd-encodes b. Shared by the queue for large payloads.
func Compress(b []byte) ([]byte, error) {
	initCodec()
	if codecErr != nil {
		return nil, codecErr
	}
	return encoder.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

// Decompress reverses Compress. Input without the zstd frame magic is returned
// unchanged.
func Decompress(b []byte) ([]byte, error) {
	if !IsCompressed(b) {
		return b, nil
	}
	initCodec()
	if codecErr != nil {
		return nil, codecErr
	}
	return decoder.DecodeAll(b, nil)
}

// IsCompressed reports whether b starts with a zstd frame.
func IsCompressed(b []byte) bool {
	return bytes.HasPrefix(b, zstdMagic)
}

func encodeSnapshot(s *Snapshot, compress bool) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if !compress {
		return b, nil
	}
	return Compress(b)
}

func decodeSnapshot(b []byte) (*Snapshot, error) {
	raw, err := Decompress(b)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, nil
}
