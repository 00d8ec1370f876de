package models

import (
	"encoding/json"
	"fmt"
)

// LegacyMetadata describes the file in a legacy shard record.
type LegacyMetadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Size        int64  `json:"size"`
	TotalShards int    `json:"totalShards"`
	Threshold   int    `json:"threshold"`
}

// LegacyShard is the simplified record without sub-splitting. Data is a slice
// of the file's base64 text and there is no session id.
type LegacyShard struct {
	Index    int            `json:"index"`
	Data     string         `json:"data"`
	Metadata LegacyMetadata `json:"metadata"`
}

type rawLegacyShard struct {
	Index    *int            `json:"index"`
	Data     string          `json:"data"`
	Metadata *LegacyMetadata `json:"metadata"`
}

// Marshal returns the JSON text of the legacy record.
func (s *LegacyShard) Marshal() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal legacy shard %d: %w", s.Index, err)
	}
	return string(b), nil
}

// LegacySessionID derives a stable session id from legacy metadata.
func LegacySessionID(m LegacyMetadata) string {
	return fmt.Sprintf("legacy:%s:%d:%d", m.Name, m.Size, m.TotalShards)
}

func parseLegacy(data []byte) (*Frame, error) {
	var raw rawLegacyShard
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.Index == nil || raw.Data == "" || raw.Metadata == nil {
		return nil, fmt.Errorf("%w: missing required legacy field", ErrMalformedFrame)
	}
	m := raw.Metadata
	if m.Name == "" || m.TotalShards <= 0 || m.Threshold <= 0 {
		return nil, fmt.Errorf("%w: invalid legacy metadata", ErrMalformedFrame)
	}
	if *raw.Index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", ErrMalformedFrame, *raw.Index)
	}
	n := m.TotalShards
	if *raw.Index >= n {
		// Redundant copies extend past totalShards; their count is not on the wire.
		n = *raw.Index + 1
	}
	f := &Frame{
		SessionID:    LegacySessionID(*m),
		ShardIndex:   *raw.Index,
		SubIndex:     0,
		TotalSub:     1,
		K:            m.TotalShards,
		N:            n,
		OriginalSize: m.Size,
		FileName:     m.Name,
		Payload:      raw.Data,
		Encoding:     EncodingBase64Text,
		Threshold:    m.Threshold,
		MimeType:     m.Type,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
