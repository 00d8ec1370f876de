// Package collector reassembles files from decoded frame texts. Frames may
// arrive in any order, any number of times, interleaved across transfers, and
// mixed with garbage from false-positive decodes.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/harrylevesque/qrdrop/internal/crypto"
	"github.com/harrylevesque/qrdrop/internal/models"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

// Saver persists a reconstructed file and returns where it went.
type Saver interface {
	SaveFile(name string, data []byte) (string, error)
}

// Config holds the receive side tunables.
type Config struct {
	// ThresholdRatio sets the progress hint ceil(K*ratio). It never gates
	// reconstruction.
	ThresholdRatio float64
	// StallAfter flags a session whose shard count has not grown for this
	// long. Zero disables stall detection.
	StallAfter time.Duration
	// StallReset drops stalled sessions instead of only flagging them.
	StallReset bool
	// TombstoneTTL is how long a delivered session id keeps late frames out.
	TombstoneTTL time.Duration
	// RepeatWarn logs a warning after this many identical consecutive frames.
	RepeatWarn int
}

func DefaultConfig() Config {
	return Config{
		ThresholdRatio: 0.6,
		StallAfter:     30 * time.Second,
		TombstoneTTL:   10 * time.Minute,
		RepeatWarn:     10,
	}
}

// Totals are counters over the collector's lifetime, kept across Reset.
type Totals struct {
	Decoded    int `json:"decoded"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
	Ignored    int `json:"ignored"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

type Option func(*Collector)

func WithReporter(r Reporter) Option {
	return func(c *Collector) { c.reporter = r }
}

func WithLogger(l *utils.Logger) Option {
	return func(c *Collector) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// Collector is safe for concurrent use.
type Collector struct {
	cfg      Config
	saver    Saver
	reporter Reporter
	log      *utils.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	done     *cache.Cache
	totals   Totals

	lastKey string
	repeats int
}

func New(saver Saver, cfg Config, opts ...Option) *Collector {
	c := &Collector{
		cfg:      cfg,
		saver:    saver,
		reporter: BaseReporter{},
		log:      utils.NewNopLogger(),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(c)
	}
	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	// No janitor goroutine; expired ids are filtered on Get and purged by CheckStalls.
	c.done = cache.New(ttl, 0)
	return c
}

// OnFrameDecoded handles the text of one decoded optical code. It never fails:
// unusable text is counted and dropped.
func (c *Collector) OnFrameDecoded(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.Decoded++

	f, err := models.Parse(text)
	if err != nil {
		c.malformed("", err)
		return
	}
	payload, err := f.Bytes()
	if err != nil {
		c.malformed(f.SessionID, err)
		return
	}
	if _, delivered := c.done.Get(f.SessionID); delivered {
		c.totals.Ignored++
		c.reporter.OnFrame(FrameResult{SessionID: f.SessionID, Shard: f.ShardIndex, Sub: f.SubIndex, Result: ResultIgnored})
		return
	}

	now := c.now()
	s, ok := c.sessions[f.SessionID]
	if !ok {
		s = newSession(f, c.cfg.ThresholdRatio, now)
		c.sessions[f.SessionID] = s
		c.log.Info("New session", zap.String("session", f.SessionID),
			zap.String("file", f.FileName), zap.Int("k", f.K), zap.Int("n", f.N))
		c.entry(LevelInfo, s.id, fmt.Sprintf("receiving %q: %d shards", s.fileName, s.k))
	} else if err := s.admits(f); err != nil {
		c.malformed(f.SessionID, err)
		return
	}
	s.framesSeen++
	c.checkRepeat(f)

	result := FrameResult{SessionID: f.SessionID, Shard: f.ShardIndex, Sub: f.SubIndex, Result: ResultAccepted}
	if _, dup := s.seen[f.Key()]; dup || s.redundant(f) {
		s.seen[f.Key()] = struct{}{}
		c.totals.Duplicates++
		result.Result = ResultDuplicate
		c.reporter.OnFrame(result)
		c.reporter.OnProgress(s.progress())
		if s.retry != nil && *s.retry == f.Key() && !s.triggered {
			c.deliver(s, f.Key())
		}
		return
	}

	c.totals.Accepted++
	completed := s.place(f, payload, now)
	c.reporter.OnFrame(result)
	if completed {
		c.log.Debug("Shard complete", zap.String("session", s.id),
			zap.Int("shard", f.ShardIndex%s.k), zap.Int("have", s.have), zap.Int("k", s.k))
		c.reporter.OnShard(s.progress(), f.ShardIndex%s.k)
	}
	c.reporter.OnProgress(s.progress())

	if s.have == s.k && !s.triggered {
		c.deliver(s, f.Key())
	}
}

func (c *Collector) malformed(sessionID string, err error) {
	c.totals.Malformed++
	c.log.Debug("Discarding frame", zap.String("session", sessionID), zap.Error(err))
	c.reporter.OnFrame(FrameResult{SessionID: sessionID, Shard: -1, Sub: -1, Result: ResultMalformed})
}

func (c *Collector) checkRepeat(f *models.Frame) {
	key := f.SessionID + "/" + f.Key().String()
	if key != c.lastKey {
		c.lastKey = key
		c.repeats = 1
		return
	}
	c.repeats++
	if c.cfg.RepeatWarn > 0 && c.repeats == c.cfg.RepeatWarn {
		c.log.Warn("Same frame decoded repeatedly", zap.String("session", f.SessionID),
			zap.Stringer("frame", f.Key()), zap.Int("count", c.repeats))
		c.entry(LevelWarn, f.SessionID,
			fmt.Sprintf("frame %s seen %d times in a row; is the sender advancing?", f.Key(), c.repeats))
	}
}

// deliver reconstructs and saves s. The gate is set before any work so that a
// frame arriving during the save cannot start a second delivery. key is the
// frame that triggered the attempt.
func (c *Collector) deliver(s *session, key models.FrameKey) {
	s.triggered = true

	size := s.originalSize
	if s.encoding == models.EncodingBase64Text {
		size = -1
	}
	data, err := Reconstruct(s.shards, s.k, size)
	if err == nil && s.encoding == models.EncodingBase64Text {
		data, err = decodeText(data)
	}
	if err != nil {
		c.fail(s, key, utils.Wrap(utils.CodeReconstruction, "reconstruction failed", err))
		return
	}

	name := s.fileName
	if name == "" {
		name = "qrdrop-" + crypto.ShortDigest(data)
	}
	location, err := c.saver.SaveFile(name, data)
	if err != nil {
		c.fail(s, key, utils.Wrap(utils.CodeIO, "failed to save file", err))
		return
	}

	s.complete = true
	d := Delivery{
		SessionID: s.id,
		FileName:  name,
		Size:      int64(len(data)),
		Digest:    crypto.Digest(data),
		Location:  location,
	}
	c.totals.Delivered++
	c.reporter.OnProgress(s.progress())
	c.reporter.OnComplete(d)
	c.log.Info("File reconstructed", zap.String("session", s.id), zap.String("file", name),
		zap.Int64("size", d.Size), zap.String("digest", d.Digest), zap.String("location", location))
	c.entry(LevelInfo, s.id, fmt.Sprintf("saved %q (%d bytes) to %s", name, d.Size, location))

	delete(c.sessions, s.id)
	c.done.SetDefault(s.id, struct{}{})
}

// fail reports err and re-arms the gate. The session is kept and delivery is
// retried when key is decoded again, which happens once per sender cycle.
func (c *Collector) fail(s *session, key models.FrameKey, err error) {
	s.triggered = false
	s.retry = &key
	c.totals.Failed++
	c.log.Error("Delivery failed", zap.String("session", s.id), zap.Error(err))
	c.entry(LevelError, s.id, err.Error())
	c.reporter.OnFailure(s.progress(), err)
}

func (c *Collector) entry(level, sessionID, msg string) {
	c.reporter.OnLog(Entry{Time: c.now(), Level: level, SessionID: sessionID, Message: msg})
}

// Reset drops every session and tombstone.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.sessions)
	c.sessions = make(map[string]*session)
	c.done.Flush()
	c.lastKey = ""
	c.repeats = 0
	c.log.Info("Collector reset", zap.Int("sessions", n))
	c.entry(LevelInfo, "", fmt.Sprintf("reset: %d session(s) cleared", n))
}

// CheckStalls flags sessions whose shard count has not grown for StallAfter
// and returns them. With StallReset the flagged sessions are dropped.
func (c *Collector) CheckStalls(now time.Time) []Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done.DeleteExpired()
	if c.cfg.StallAfter <= 0 {
		return nil
	}

	var stalled []Progress
	for _, id := range c.sortedIDs() {
		s := c.sessions[id]
		if s.stalled || now.Sub(s.lastGrowth) < c.cfg.StallAfter {
			continue
		}
		s.stalled = true
		p := s.progress()
		stalled = append(stalled, p)
		c.log.Warn("Session stalled", zap.String("session", id), zap.Int("have", s.have),
			zap.Int("k", s.k), zap.Ints("missing", p.Missing), zap.Duration("idle", now.Sub(s.lastGrowth)))
		c.entry(LevelWarn, id, fmt.Sprintf("incomplete: %d of %d shards, missing %v", s.have, s.k, p.Missing))
		c.reporter.OnStall(p)
		if c.cfg.StallReset {
			delete(c.sessions, id)
		}
	}
	return stalled
}

// WatchStalls runs CheckStalls every interval until ctx is done.
func (c *Collector) WatchStalls(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("stall check interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.CheckStalls(c.now())
		}
	}
}

func (c *Collector) sortedIDs() []string {
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the progress of every open session ordered by id.
func (c *Collector) Snapshot() []Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Progress, 0, len(c.sessions))
	for _, id := range c.sortedIDs() {
		out = append(out, c.sessions[id].progress())
	}
	return out
}

// Session returns the progress of one open session.
func (c *Collector) Session(id string) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return Progress{}, false
	}
	return s.progress(), true
}

func (c *Collector) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}
