package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned for decoded text that is not a usable frame record.
// On an optical channel this is expected noise, not a failure.
var ErrMalformedFrame = errors.New("malformed frame")

// Upper bounds on the counts a frame may declare. Receivers size buffers from
// these fields, so anything larger is rejected as malformed.
const (
	MaxShards         = 1 << 16
	MaxSubFrames      = 1 << 12
	MaxRedundancyRate = 10
)

// Encoding tells the receiver how assembled shard bytes map back to the file.
type Encoding int

const (
	// EncodingRaw: shard bytes are file bytes.
	EncodingRaw Encoding = iota
	// EncodingBase64Text: shard bytes are a slice of the file's base64 text.
	EncodingBase64Text
)

// Frame is the record carried by a single optical code. Metadata is repeated in
// every frame because the channel has no separate control plane.
type Frame struct {
	SessionID    string `json:"sessionId"`
	ShardIndex   int    `json:"shardIndex"`
	SubIndex     int    `json:"subIndex"`
	TotalSub     int    `json:"totalSub"`
	K            int    `json:"K"`
	N            int    `json:"N"`
	OriginalSize int64  `json:"originalSize"`
	FileName     string `json:"fileName"`
	Payload      string `json:"payload"`

	// Receiver-side fields, only set when parsing a legacy shard record.
	Encoding  Encoding `json:"-"`
	Threshold int      `json:"-"`
	MimeType  string   `json:"-"`
}

// rawFrame uses pointers so that absent fields can be told apart from zero values.
type rawFrame struct {
	SessionID    *string `json:"sessionId"`
	ShardIndex   *int    `json:"shardIndex"`
	SubIndex     *int    `json:"subIndex"`
	TotalSub     *int    `json:"totalSub"`
	K            *int    `json:"K"`
	N            *int    `json:"N"`
	OriginalSize *int64  `json:"originalSize"`
	FileName     *string `json:"fileName"`
	Payload      *string `json:"payload"`
}

// Key identifies a frame within its session.
func (f *Frame) Key() FrameKey {
	return FrameKey{Shard: f.ShardIndex, Sub: f.SubIndex}
}

// FrameKey is the (shard, sub) pair used for duplicate detection.
type FrameKey struct {
	Shard int
	Sub   int
}

func (k FrameKey) String() string {
	return fmt.Sprintf("%d-%d", k.Shard, k.Sub)
}

// Marshal returns the canonical JSON text of the frame.
func (f *Frame) Marshal() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frame %s: %w", f.Key(), err)
	}
	return string(b), nil
}

// Bytes returns the payload bytes carried by the frame.
func (f *Frame) Bytes() ([]byte, error) {
	if f.Encoding == EncodingBase64Text {
		return []byte(f.Payload), nil
	}
	b, err := base64.StdEncoding.DecodeString(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", ErrMalformedFrame, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	return b, nil
}

// Validate checks the structural invariants of a frame.
func (f *Frame) Validate() error {
	switch {
	case f.SessionID == "":
		return fmt.Errorf("%w: missing sessionId", ErrMalformedFrame)
	case f.K <= 0:
		return fmt.Errorf("%w: K must be positive, got %d", ErrMalformedFrame, f.K)
	case f.K > MaxShards:
		return fmt.Errorf("%w: K=%d above %d", ErrMalformedFrame, f.K, MaxShards)
	case f.N < f.K:
		return fmt.Errorf("%w: N=%d below K=%d", ErrMalformedFrame, f.N, f.K)
	case f.N-f.K > f.K*MaxRedundancyRate:
		return fmt.Errorf("%w: N=%d exceeds %d copies of K=%d", ErrMalformedFrame, f.N, MaxRedundancyRate, f.K)
	case f.OriginalSize >= 0 && int64(f.K) > f.OriginalSize:
		// Every shard carries at least one byte.
		return fmt.Errorf("%w: K=%d for %d bytes", ErrMalformedFrame, f.K, f.OriginalSize)
	case f.ShardIndex < 0 || f.ShardIndex >= f.N:
		return fmt.Errorf("%w: shardIndex %d outside [0,%d)", ErrMalformedFrame, f.ShardIndex, f.N)
	case f.TotalSub <= 0:
		return fmt.Errorf("%w: totalSub must be positive, got %d", ErrMalformedFrame, f.TotalSub)
	case f.TotalSub > MaxSubFrames:
		return fmt.Errorf("%w: totalSub=%d above %d", ErrMalformedFrame, f.TotalSub, MaxSubFrames)
	case f.SubIndex < 0 || f.SubIndex >= f.TotalSub:
		return fmt.Errorf("%w: subIndex %d outside [0,%d)", ErrMalformedFrame, f.SubIndex, f.TotalSub)
	case f.Payload == "":
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	return nil
}

func parseCanonical(data []byte) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.SessionID == nil || raw.ShardIndex == nil || raw.SubIndex == nil ||
		raw.TotalSub == nil || raw.K == nil || raw.Payload == nil {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedFrame)
	}
	f := &Frame{
		SessionID:    *raw.SessionID,
		ShardIndex:   *raw.ShardIndex,
		SubIndex:     *raw.SubIndex,
		TotalSub:     *raw.TotalSub,
		K:            *raw.K,
		N:            *raw.K,
		OriginalSize: -1,
		Payload:      *raw.Payload,
	}
	if raw.N != nil {
		f.N = *raw.N
	}
	if raw.OriginalSize != nil {
		f.OriginalSize = *raw.OriginalSize
	}
	if raw.FileName != nil {
		f.FileName = *raw.FileName
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Parse decodes the text of one optical code into a Frame. Both the canonical
// record and the legacy shard record are accepted. Any failure wraps
// ErrMalformedFrame.
func Parse(text string) (*Frame, error) {
	data := []byte(text)
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if probe == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	if _, ok := probe["sessionId"]; ok {
		return parseCanonical(data)
	}
	if _, ok := probe["metadata"]; ok {
		return parseLegacy(data)
	}
	return nil, fmt.Errorf("%w: missing sessionId", ErrMalformedFrame)
}
