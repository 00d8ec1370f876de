package framer

import (
	"encoding/base64"
	"fmt"
	"math"

	"github.com/harrylevesque/qrdrop/internal/models"
)

const (
	// DefaultLegacyChunk is the number of base64 characters per legacy shard.
	DefaultLegacyChunk = 700
	legacyThreshold    = 0.6
	legacyRedundancy   = 0.4
)

// SplitLegacy produces records of the simplified scheme: the file's base64 text
// is cut into chunkChars pieces, ceil(0.4*K) duplicates follow, and every record
// advertises a ceil(0.6*K) threshold. Receivers still need all K pieces.
func SplitLegacy(data []byte, name, mimeType string, chunkChars int) ([]models.LegacyShard, error) {
	if chunkChars <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, chunkChars)
	}
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	text := base64.StdEncoding.EncodeToString(data)
	var chunks []string
	for i := 0; i < len(text); i += chunkChars {
		end := i + chunkChars
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[i:end])
	}

	k := len(chunks)
	if k > len(data) {
		return nil, fmt.Errorf("%w: chunk size %d yields more shards than bytes", ErrInvalidConfig, chunkChars)
	}
	if err := checkLimits(k, 0, 1); err != nil {
		return nil, err
	}
	meta := models.LegacyMetadata{
		Name:        name,
		Type:        mimeType,
		Size:        int64(len(data)),
		TotalShards: k,
		Threshold:   int(math.Ceil(float64(k) * legacyThreshold)),
	}
	shards := make([]models.LegacyShard, 0, k)
	for i, c := range chunks {
		shards = append(shards, models.LegacyShard{Index: i, Data: c, Metadata: meta})
	}
	extra := int(math.Ceil(float64(k) * legacyRedundancy))
	for i := 0; i < extra; i++ {
		shards = append(shards, models.LegacyShard{Index: k + i, Data: chunks[i%k], Metadata: meta})
	}
	return shards, nil
}
