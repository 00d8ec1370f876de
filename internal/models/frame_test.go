package models

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFrame() Frame {
	return Frame{
		SessionID:    "abc",
		ShardIndex:   1,
		SubIndex:     0,
		TotalSub:     2,
		K:            3,
		N:            5,
		OriginalSize: 2500,
		FileName:     "a.bin",
		Payload:      base64.StdEncoding.EncodeToString([]byte("hello")),
	}
}

func TestParseCanonical(t *testing.T) {
	f := validFrame()
	text, err := f.Marshal()
	require.NoError(t, err)

	got, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, f, *got)

	b, err := got.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
	assert.Equal(t, "1-0", got.Key().String())
}

func TestParseWireKeys(t *testing.T) {
	text := `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":1,"N":1,` +
		`"originalSize":3,"fileName":"x","payload":"YWJj"}`
	f, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "s", f.SessionID)
	assert.Equal(t, int64(3), f.OriginalSize)
	assert.Equal(t, EncodingRaw, f.Encoding)
}

func TestParseOptionalFields(t *testing.T) {
	f, err := Parse(`{"sessionId":"s","shardIndex":2,"subIndex":0,"totalSub":1,"K":3,"payload":"YQ=="}`)
	require.NoError(t, err)
	assert.Equal(t, 3, f.N)
	assert.Equal(t, int64(-1), f.OriginalSize)
	assert.Empty(t, f.FileName)
}

func TestParseMalformed(t *testing.T) {
	tests := map[string]string{
		"garbage":            "not json at all",
		"truncated":          `{"sessionId":"s","shardIndex":`,
		"null":               "null",
		"array":              "[1,2,3]",
		"number":             "42",
		"empty object":       "{}",
		"no session":         `{"shardIndex":0,"subIndex":0,"totalSub":1,"K":1,"payload":"YQ=="}`,
		"empty session":      `{"sessionId":"","shardIndex":0,"subIndex":0,"totalSub":1,"K":1,"payload":"YQ=="}`,
		"string index":       `{"sessionId":"s","shardIndex":"0","subIndex":0,"totalSub":1,"K":1,"payload":"YQ=="}`,
		"fractional index":   `{"sessionId":"s","shardIndex":0.5,"subIndex":0,"totalSub":1,"K":1,"payload":"YQ=="}`,
		"missing sub":        `{"sessionId":"s","shardIndex":0,"totalSub":1,"K":1,"payload":"YQ=="}`,
		"sub out of range":   `{"sessionId":"s","shardIndex":0,"subIndex":1,"totalSub":1,"K":1,"payload":"YQ=="}`,
		"shard beyond N":     `{"sessionId":"s","shardIndex":4,"subIndex":0,"totalSub":1,"K":2,"N":3,"payload":"YQ=="}`,
		"N below K":          `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":2,"N":1,"payload":"YQ=="}`,
		"zero K":             `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":0,"payload":"YQ=="}`,
		"empty payload":      `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":1,"payload":""}`,
		"missing payload":    `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":1}`,
		"legacy no metadata": `{"index":0,"data":"YQ=="}`,
		"huge K":             `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":1125899906842624,"N":1125899906842624,"payload":"YQ=="}`,
		"K above limit":      `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":65537,"payload":"YQ=="}`,
		"huge totalSub":      `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1125899906842624,"K":1,"payload":"YQ=="}`,
		"totalSub too large": `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":4097,"K":1,"payload":"YQ=="}`,
		"too many copies":    `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":2,"N":23,"payload":"YQ=="}`,
		"K beyond size":      `{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":4,"originalSize":3,"payload":"YQ=="}`,
		"legacy huge index":  `{"index":1125899906842624,"data":"YQ==","metadata":{"name":"x","size":1,"totalShards":1,"threshold":1}}`,
		"legacy huge shards": `{"index":0,"data":"YQ==","metadata":{"name":"x","size":1125899906842624,"totalShards":1125899906842624,"threshold":1}}`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestBytesRejectsBadBase64(t *testing.T) {
	f := validFrame()
	f.Payload = "%%%"
	_, err := f.Bytes()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestParseLegacy(t *testing.T) {
	s := LegacyShard{
		Index: 4,
		Data:  "aGVsbG8=",
		Metadata: LegacyMetadata{
			Name: "hello.txt", Type: "text/plain", Size: 5, TotalShards: 3, Threshold: 2,
		},
	}
	text, err := s.Marshal()
	require.NoError(t, err)

	f, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, LegacySessionID(s.Metadata), f.SessionID)
	assert.Equal(t, 4, f.ShardIndex)
	assert.Equal(t, 3, f.K)
	assert.Equal(t, 5, f.N)
	assert.Equal(t, 1, f.TotalSub)
	assert.Equal(t, 2, f.Threshold)
	assert.Equal(t, EncodingBase64Text, f.Encoding)

	b, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("aGVsbG8="), b)
}

func TestParseLegacyInvalidMetadata(t *testing.T) {
	_, err := Parse(`{"index":0,"data":"YQ==","metadata":{"name":"x","totalShards":0,"threshold":1}}`)
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = Parse(`{"index":-1,"data":"YQ==","metadata":{"name":"x","totalShards":1,"threshold":1}}`)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestValidateLimits(t *testing.T) {
	f := validFrame()
	f.K, f.N, f.OriginalSize = MaxShards, MaxShards, -1
	f.TotalSub = MaxSubFrames
	assert.NoError(t, f.Validate())

	f.N = MaxShards * (1 + MaxRedundancyRate)
	f.ShardIndex = f.N - 1
	assert.NoError(t, f.Validate())

	f.N++
	assert.ErrorIs(t, f.Validate(), ErrMalformedFrame)
}
