package framer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harrylevesque/qrdrop/internal/models"
)

// DefaultMargin is the share of channel capacity left unused by PayloadBudget.
const DefaultMargin = 0.15

// Envelope describes the metadata that surrounds every payload.
type Envelope struct {
	SessionIDLen int
	FileName     string
	K            int
	N            int
	OriginalSize int64
	ShardSize    int
}

// overhead returns the length of the largest frame JSON with an empty payload.
func (e Envelope) overhead() int {
	f := models.Frame{
		SessionID:    strings.Repeat("x", e.SessionIDLen),
		ShardIndex:   e.N - 1,
		SubIndex:     e.ShardSize,
		TotalSub:     e.ShardSize,
		K:            e.K,
		N:            e.N,
		OriginalSize: e.OriginalSize,
		FileName:     e.FileName,
	}
	b, _ := json.Marshal(f)
	return len(b)
}

// PayloadBudget returns the largest raw payload size whose framed JSON text
// stays within capacity characters, after reserving margin of the capacity.
func PayloadBudget(capacity int, env Envelope, margin float64) (int, error) {
	if margin < 0 || margin >= 1 {
		return 0, fmt.Errorf("%w: margin %v outside [0,1)", ErrInvalidConfig, margin)
	}
	usable := int(float64(capacity)*(1-margin)) - env.overhead()
	// base64 turns every 3 raw bytes into 4 characters.
	raw := usable / 4 * 3
	if raw <= 0 {
		return 0, fmt.Errorf("%w: capacity %d leaves no room for payload after %d envelope characters",
			ErrInvalidConfig, capacity, env.overhead())
	}
	return raw, nil
}

// EnvelopeFor returns the envelope of a transfer of size bytes named fileName.
func EnvelopeFor(fileName string, size int64, cfg Config) Envelope {
	k := int((size + int64(cfg.ShardSize) - 1) / int64(cfg.ShardSize))
	if k == 0 {
		k = 1
	}
	return Envelope{
		SessionIDLen: len(NewSessionID()),
		FileName:     fileName,
		K:            k,
		N:            k + cfg.RedundancyFor(k),
		OriginalSize: size,
		ShardSize:    cfg.ShardSize,
	}
}
