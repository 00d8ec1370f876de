package collector

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrIncomplete is returned when an original shard index is still missing.
	ErrIncomplete = errors.New("incomplete: not every original shard has been received")
	// ErrDecode is returned when assembled legacy text is not valid base64.
	ErrDecode = errors.New("assembled data is not valid base64")
)

// Reconstruct concatenates shards 0..k-1 in order and truncates the result to
// originalSize. A negative originalSize means the size is unknown and the
// stream is returned as is.
func Reconstruct(shards [][]byte, k int, originalSize int64) ([]byte, error) {
	if k <= 0 || len(shards) < k {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncomplete, len(shards), k)
	}
	total := 0
	for i := 0; i < k; i++ {
		if shards[i] == nil {
			return nil, fmt.Errorf("%w: shard %d missing", ErrIncomplete, i)
		}
		total += len(shards[i])
	}
	out := make([]byte, 0, total)
	for i := 0; i < k; i++ {
		out = append(out, shards[i]...)
	}
	if originalSize >= 0 && int64(len(out)) > originalSize {
		out = out[:originalSize]
	}
	return out, nil
}

// decodeText turns an assembled legacy base64 text back into file bytes.
func decodeText(text []byte) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}
