package collector

import (
	"fmt"
	"math"
	"time"

	"github.com/harrylevesque/qrdrop/internal/models"
)

// Progress is a point-in-time view of one session.
type Progress struct {
	SessionID    string  `json:"sessionId"`
	FileName     string  `json:"fileName"`
	OriginalSize int64   `json:"originalSize"`
	K            int     `json:"k"`
	N            int     `json:"n"`
	Threshold    int     `json:"threshold"`
	Shards       int     `json:"shards"`
	Missing      []int   `json:"missing,omitempty"`
	UniqueFrames int     `json:"uniqueFrames"`
	FramesSeen   int     `json:"framesSeen"`
	Percent      float64 `json:"percent"`

	ThresholdReached bool `json:"thresholdReached"`
	Complete         bool `json:"complete"`
	Stalled          bool `json:"stalled"`
}

type pendingShard struct {
	slots  [][]byte
	filled int
}

type session struct {
	id           string
	fileName     string
	mimeType     string
	originalSize int64
	k            int
	n            int
	encoding     models.Encoding
	threshold    int

	pending    map[int]*pendingShard
	shards     [][]byte
	have       int
	seen       map[models.FrameKey]struct{}
	framesSeen int
	percent    float64

	triggered  bool
	retry      *models.FrameKey
	complete   bool
	stalled    bool
	lastGrowth time.Time
}

func newSession(f *models.Frame, ratio float64, now time.Time) *session {
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = int(math.Ceil(float64(f.K) * ratio))
	}
	if threshold < 1 {
		threshold = 1
	}
	if threshold > f.K {
		threshold = f.K
	}
	return &session{
		id:           f.SessionID,
		fileName:     f.FileName,
		mimeType:     f.MimeType,
		originalSize: f.OriginalSize,
		k:            f.K,
		n:            f.N,
		encoding:     f.Encoding,
		threshold:    threshold,
		pending:      make(map[int]*pendingShard),
		shards:       make([][]byte, f.K),
		seen:         make(map[models.FrameKey]struct{}),
		lastGrowth:   now,
	}
}

// admits reports whether f is consistent with what the session already knows.
func (s *session) admits(f *models.Frame) error {
	if f.K != s.k {
		return fmt.Errorf("%w: K=%d, session has K=%d", models.ErrMalformedFrame, f.K, s.k)
	}
	if f.Encoding != s.encoding {
		return fmt.Errorf("%w: record kind changed within session", models.ErrMalformedFrame)
	}
	if f.Encoding == models.EncodingRaw && f.N != s.n {
		return fmt.Errorf("%w: N=%d, session has N=%d", models.ErrMalformedFrame, f.N, s.n)
	}
	if p, ok := s.pending[f.ShardIndex]; ok && len(p.slots) != f.TotalSub {
		return fmt.Errorf("%w: shard %d totalSub=%d, earlier frames said %d",
			models.ErrMalformedFrame, f.ShardIndex, f.TotalSub, len(p.slots))
	}
	return nil
}

// place stores one sub-payload. It returns true when it completed a new
// original shard.
func (s *session) place(f *models.Frame, payload []byte, now time.Time) bool {
	if f.N > s.n {
		s.n = f.N
	}
	s.seen[f.Key()] = struct{}{}

	orig := f.ShardIndex % s.k
	if s.shards[orig] != nil {
		return false
	}
	p := s.pending[f.ShardIndex]
	if p == nil {
		p = &pendingShard{slots: make([][]byte, f.TotalSub)}
		s.pending[f.ShardIndex] = p
	}
	p.slots[f.SubIndex] = payload
	p.filled++
	if p.filled < len(p.slots) {
		return false
	}

	size := 0
	for _, b := range p.slots {
		size += len(b)
	}
	shard := make([]byte, 0, size)
	for _, b := range p.slots {
		shard = append(shard, b...)
	}
	s.shards[orig] = shard
	s.have++
	s.lastGrowth = now
	s.stalled = false
	// Other copies of this shard are no longer needed.
	for idx := range s.pending {
		if idx%s.k == orig {
			delete(s.pending, idx)
		}
	}
	return true
}

// redundant reports whether the original shard behind f is already complete.
func (s *session) redundant(f *models.Frame) bool {
	return s.shards[f.ShardIndex%s.k] != nil
}

// fraction estimates coverage of the original shards from completed shards
// plus the best partially filled copy of each missing one.
func (s *session) fraction() float64 {
	best := make(map[int]float64)
	for idx, p := range s.pending {
		orig := idx % s.k
		if s.shards[orig] != nil {
			continue
		}
		fr := float64(p.filled) / float64(len(p.slots))
		if fr > best[orig] {
			best[orig] = fr
		}
	}
	sum := float64(s.have)
	for _, fr := range best {
		sum += fr
	}
	return sum / float64(s.k)
}

func (s *session) progress() Progress {
	if pct := 100 * s.fraction(); pct > s.percent {
		s.percent = pct
	}
	var missing []int
	for i, b := range s.shards {
		if b == nil {
			missing = append(missing, i)
		}
	}
	return Progress{
		SessionID:        s.id,
		FileName:         s.fileName,
		OriginalSize:     s.originalSize,
		K:                s.k,
		N:                s.n,
		Threshold:        s.threshold,
		Shards:           s.have,
		Missing:          missing,
		UniqueFrames:     len(s.seen),
		FramesSeen:       s.framesSeen,
		Percent:          s.percent,
		ThresholdReached: s.have >= s.threshold,
		Complete:         s.complete,
		Stalled:          s.stalled,
	}
}
