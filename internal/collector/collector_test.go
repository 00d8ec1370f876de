package collector

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harrylevesque/qrdrop/internal/framer"
	"github.com/harrylevesque/qrdrop/internal/models"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type saved struct {
	name string
	data []byte
}

type memSaver struct {
	mu    sync.Mutex
	files []saved
	err   error
}

func (s *memSaver) SaveFile(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.files = append(s.files, saved{name: name, data: append([]byte(nil), data...)})
	return "mem://" + name, nil
}

func (s *memSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type recorder struct {
	BaseReporter
	completed []Delivery
	failures  []error
	stalls    []Progress
	logs      []Entry
	results   map[string]int
	percents  []float64
}

func newRecorder() *recorder {
	return &recorder{results: make(map[string]int)}
}

func (r *recorder) OnFrame(fr FrameResult)          { r.results[fr.Result]++ }
func (r *recorder) OnProgress(p Progress)           { r.percents = append(r.percents, p.Percent) }
func (r *recorder) OnComplete(d Delivery)           { r.completed = append(r.completed, d) }
func (r *recorder) OnFailure(_ Progress, err error) { r.failures = append(r.failures, err) }
func (r *recorder) OnStall(p Progress)              { r.stalls = append(r.stalls, p) }
func (r *recorder) OnLog(e Entry)                   { r.logs = append(r.logs, e) }

func payload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(b)
	require.NoError(t, err)
	return b
}

func split(t *testing.T, data []byte, cfg framer.Config) *framer.Plan {
	t.Helper()
	plan, err := framer.Split(data, "file.bin", cfg)
	require.NoError(t, err)
	return plan
}

func feed(c *Collector, texts []string) {
	for _, text := range texts {
		c.OnFrameDecoded(text)
	}
}

func TestScenario2500(t *testing.T) {
	data := payload(t, 2500)
	plan := split(t, data, framer.Config{ShardSize: 1000, MaxPayload: 200})
	saver := &memSaver{}
	rec := newRecorder()
	c := New(saver, DefaultConfig(), WithReporter(rec))

	feed(c, plan.Texts())

	require.Len(t, saver.files, 1)
	assert.Equal(t, data, saver.files[0].data)
	assert.Equal(t, "file.bin", saver.files[0].name)
	require.Len(t, rec.completed, 1)
	assert.Equal(t, plan.Digest, rec.completed[0].Digest)
	assert.Equal(t, "mem://file.bin", rec.completed[0].Location)
	assert.Empty(t, c.Snapshot())
	assert.Equal(t, 13, c.Totals().Accepted)
}

func TestOutOfOrder(t *testing.T) {
	data := payload(t, 7777)
	plan := split(t, data, framer.Config{ShardSize: 900, MaxPayload: 128})
	texts := plan.Texts()
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 5; i++ {
		r.Shuffle(len(texts), func(a, b int) { texts[a], texts[b] = texts[b], texts[a] })
		saver := &memSaver{}
		c := New(saver, DefaultConfig())
		feed(c, texts)
		require.Equal(t, 1, saver.count())
		assert.Equal(t, data, saver.files[0].data)
	}
}

func TestDuplicatesAreIdempotent(t *testing.T) {
	plan := split(t, payload(t, 4000), framer.Config{ShardSize: 1000, MaxPayload: 300})
	texts := plan.Texts()
	partial := texts[:len(texts)/2]

	c := New(&memSaver{}, DefaultConfig())
	feed(c, partial)
	once := c.Snapshot()
	feed(c, partial)
	twice := c.Snapshot()

	require.Len(t, once, 1)
	assert.Empty(t, cmp.Diff(once, twice, cmpopts.IgnoreFields(Progress{}, "FramesSeen")))
	assert.Equal(t, 2*once[0].FramesSeen, twice[0].FramesSeen)
	assert.Equal(t, len(partial), c.Totals().Duplicates)
}

func TestEveryFrameTwice(t *testing.T) {
	data := payload(t, 3000)
	plan := split(t, data, framer.DefaultConfig())
	saver := &memSaver{}
	c := New(saver, DefaultConfig())
	for _, text := range plan.Texts() {
		c.OnFrameDecoded(text)
		c.OnFrameDecoded(text)
	}
	require.Equal(t, 1, saver.count())
	assert.Equal(t, data, saver.files[0].data)
}

func TestRedundantFramesDoNotChangeOutput(t *testing.T) {
	data := payload(t, 5000)
	plan := split(t, data, framer.Config{ShardSize: 1000, MaxPayload: 250, Redundancy: 3})

	var originals, redundant []string
	for i, f := range plan.Frames {
		if f.ShardIndex < plan.K {
			originals = append(originals, plan.Texts()[i])
		} else {
			redundant = append(redundant, plan.Texts()[i])
		}
	}
	require.NotEmpty(t, redundant)

	without := &memSaver{}
	feed(New(without, DefaultConfig()), originals)
	with := &memSaver{}
	feed(New(with, DefaultConfig()), append(append([]string(nil), redundant...), originals...))

	require.Equal(t, 1, without.count())
	require.Equal(t, 1, with.count())
	assert.Equal(t, data, without.files[0].data)
	assert.Equal(t, without.files[0].data, with.files[0].data)
}

func TestRedundantCopyFillsLostShard(t *testing.T) {
	data := payload(t, 3000)
	plan := split(t, data, framer.Config{ShardSize: 1000, MaxPayload: 250, Redundancy: 1})
	require.Equal(t, 4, plan.N)

	saver := &memSaver{}
	c := New(saver, DefaultConfig())
	for i, f := range plan.Frames {
		if f.ShardIndex == 0 {
			continue
		}
		c.OnFrameDecoded(plan.Texts()[i])
	}
	require.Equal(t, 1, saver.count())
	assert.Equal(t, data, saver.files[0].data)
}

func TestMissingShardWithholdsReconstruction(t *testing.T) {
	plan := split(t, payload(t, 5000), framer.Config{ShardSize: 1000, MaxPayload: 200, Redundancy: 4})
	require.Equal(t, 5, plan.K)

	saver := &memSaver{}
	rec := newRecorder()
	c := New(saver, DefaultConfig(), WithReporter(rec))
	for i, f := range plan.Frames {
		if f.ShardIndex%plan.K == 3 {
			continue
		}
		c.OnFrameDecoded(plan.Texts()[i])
	}

	assert.Zero(t, saver.count())
	assert.Empty(t, rec.completed)
	p, ok := c.Session(plan.SessionID)
	require.True(t, ok)
	assert.Equal(t, 4, p.Shards)
	assert.Equal(t, []int{3}, p.Missing)
	assert.True(t, p.ThresholdReached)
	assert.False(t, p.Complete)
	assert.InDelta(t, 80.0, p.Percent, 0.001)
}

func TestMalformedInput(t *testing.T) {
	plan := split(t, payload(t, 1500), framer.Config{ShardSize: 1000, MaxPayload: 200})
	rec := newRecorder()
	c := New(&memSaver{}, DefaultConfig(), WithReporter(rec))
	c.OnFrameDecoded(plan.Texts()[0])
	before := c.Snapshot()

	garbage := []string{
		"",
		"not json",
		"https://example.com",
		"{}",
		"[1,2,3]",
		`{"sessionId":"` + plan.SessionID + `","shardIndex":1}`,
		`{"sessionId":"` + plan.SessionID + `","shardIndex":1,"subIndex":0,"totalSub":5,"K":2,"N":2,"payload":"!!!"}`,
		`{"sessionId":"` + plan.SessionID + `","shardIndex":1,"subIndex":0,"totalSub":5,"K":7,"N":7,"payload":"AAAA"}`,
		`{"sessionId":"` + plan.SessionID + `","shardIndex":0,"subIndex":1,"totalSub":9,"K":2,"N":2,"payload":"AAAA"}`,
		`{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":1125899906842624,"N":1125899906842624,"payload":"AA=="}`,
		`{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1125899906842624,"K":1,"N":1,"payload":"AA=="}`,
		`{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1099511627776,"K":1,"N":1,"payload":"AA=="}`,
		`{"sessionId":"s","shardIndex":9,"subIndex":0,"totalSub":1,"K":1,"N":1099511627776,"payload":"AA=="}`,
		`{"sessionId":"s","shardIndex":0,"subIndex":0,"totalSub":1,"K":50,"N":50,"originalSize":10,"payload":"AA=="}`,
		`{"index":1099511627776,"data":"YQ==","metadata":{"name":"x","size":1,"totalShards":1,"threshold":1}}`,
	}
	assert.NotPanics(t, func() { feed(c, garbage) })

	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, len(garbage), c.Totals().Malformed)
	assert.Equal(t, len(garbage), rec.results[ResultMalformed])
}

func TestResetClearsState(t *testing.T) {
	first := split(t, payload(t, 4000), framer.Config{ShardSize: 1000, MaxPayload: 200})
	saver := &memSaver{}
	c := New(saver, DefaultConfig())
	feed(c, first.Texts()[:7])
	require.Len(t, c.Snapshot(), 1)

	c.Reset()
	assert.Empty(t, c.Snapshot())

	data := payload(t, 2222)
	second := split(t, data, framer.Config{ShardSize: 1000, MaxPayload: 200})
	feed(c, second.Texts())
	require.Equal(t, 1, saver.count())
	assert.Equal(t, data, saver.files[0].data)

	// The first session starts over from nothing.
	feed(c, first.Texts()[7:])
	p, ok := c.Session(first.SessionID)
	require.True(t, ok)
	assert.Less(t, p.Shards, first.K)
}

func TestDeliveredSessionIgnoresLateFrames(t *testing.T) {
	plan := split(t, payload(t, 1200), framer.DefaultConfig())
	saver := &memSaver{}
	c := New(saver, DefaultConfig())
	feed(c, plan.Texts())
	feed(c, plan.Texts())

	assert.Equal(t, 1, saver.count())
	assert.Empty(t, c.Snapshot())
	assert.GreaterOrEqual(t, c.Totals().Ignored, len(plan.Texts()))
}

func TestSaveFailureRearms(t *testing.T) {
	data := payload(t, 1800)
	plan := split(t, data, framer.Config{ShardSize: 1000, MaxPayload: 500, Redundancy: 2})
	saver := &memSaver{err: errors.New("disk full")}
	rec := newRecorder()
	c := New(saver, DefaultConfig(), WithReporter(rec))
	feed(c, plan.Texts())

	// Redundant frames after the failure do not retry within the same cycle.
	require.Len(t, rec.failures, 1)
	assert.Equal(t, utils.CodeIO, utils.CodeOf(rec.failures[0]))
	p, ok := c.Session(plan.SessionID)
	require.True(t, ok)
	assert.False(t, p.Complete)
	assert.Equal(t, 0, saver.count())

	// The next cycle retries without a reset.
	saver.err = nil
	feed(c, plan.Texts())
	require.Equal(t, 1, saver.count())
	assert.Equal(t, data, saver.files[0].data)
	assert.Len(t, rec.failures, 1)
	assert.Len(t, rec.completed, 1)
	_, ok = c.Session(plan.SessionID)
	assert.False(t, ok)

	feed(c, plan.Texts())
	assert.Equal(t, 1, saver.count())
}

func TestSaveFailureRetriesOncePerCycle(t *testing.T) {
	plan := split(t, payload(t, 1800), framer.Config{ShardSize: 1000, MaxPayload: 500, Redundancy: 2})
	saver := &memSaver{err: errors.New("disk full")}
	rec := newRecorder()
	c := New(saver, DefaultConfig(), WithReporter(rec))
	for i := 0; i < 3; i++ {
		feed(c, plan.Texts())
	}
	assert.Len(t, rec.failures, 3)
	assert.Equal(t, 3, c.Totals().Failed)
	assert.Equal(t, 0, saver.count())

	c.Reset()
	saver.err = nil
	feed(c, plan.Texts())
	assert.Equal(t, 1, saver.count())
}

func TestLegacyRecords(t *testing.T) {
	data := payload(t, 2100)
	shards, err := framer.SplitLegacy(data, "notes.txt", "text/plain", 500)
	require.NoError(t, err)

	saver := &memSaver{}
	c := New(saver, DefaultConfig())
	// Redundant copies first, then originals in reverse.
	var texts []string
	for i := len(shards) - 1; i >= 0; i-- {
		line, err := shards[i].Marshal()
		require.NoError(t, err)
		texts = append(texts, line)
	}
	feed(c, texts)

	require.Equal(t, 1, saver.count())
	assert.Equal(t, "notes.txt", saver.files[0].name)
	assert.Equal(t, data, saver.files[0].data)
}

func TestLegacyBadText(t *testing.T) {
	meta := models.LegacyMetadata{Name: "x", Size: 3, TotalShards: 2, Threshold: 2}
	rec := newRecorder()
	c := New(&memSaver{}, DefaultConfig(), WithReporter(rec))
	for i, chunk := range []string{"@@@", "###"} {
		s := models.LegacyShard{Index: i, Data: chunk, Metadata: meta}
		line, err := s.Marshal()
		require.NoError(t, err)
		c.OnFrameDecoded(line)
	}
	require.Len(t, rec.failures, 1)
	assert.ErrorIs(t, rec.failures[0], ErrDecode)
	assert.Equal(t, utils.CodeReconstruction, utils.CodeOf(rec.failures[0]))
}

func TestInterleavedSessions(t *testing.T) {
	a := payload(t, 3100)
	b := payload(t, 2900)
	pa := split(t, a, framer.Config{ShardSize: 500, MaxPayload: 100})
	pb := split(t, b, framer.Config{ShardSize: 700, MaxPayload: 90})

	saver := &memSaver{}
	c := New(saver, DefaultConfig())
	ta, tb := pa.Texts(), pb.Texts()
	for i := 0; i < len(ta) || i < len(tb); i++ {
		if i < len(ta) {
			c.OnFrameDecoded(ta[i])
		}
		if i < len(tb) {
			c.OnFrameDecoded(tb[i])
		}
	}
	require.Equal(t, 2, saver.count())
	got := map[int][]byte{}
	for _, f := range saver.files {
		got[len(f.data)] = f.data
	}
	assert.Equal(t, a, got[len(a)])
	assert.Equal(t, b, got[len(b)])
}

func TestPercentIsMonotonic(t *testing.T) {
	plan := split(t, payload(t, 6000), framer.Config{ShardSize: 1000, MaxPayload: 100, Redundancy: 2})
	texts := plan.Texts()
	rand.New(rand.NewSource(7)).Shuffle(len(texts), func(i, j int) { texts[i], texts[j] = texts[j], texts[i] })

	rec := newRecorder()
	c := New(&memSaver{}, DefaultConfig(), WithReporter(rec))
	feed(c, texts)

	require.NotEmpty(t, rec.percents)
	for i := 1; i < len(rec.percents); i++ {
		assert.GreaterOrEqual(t, rec.percents[i], rec.percents[i-1])
	}
	assert.Equal(t, 100.0, rec.percents[len(rec.percents)-1])
}

func TestStallDetection(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.StallAfter = 30 * time.Second
	rec := newRecorder()
	c := New(&memSaver{}, cfg, WithReporter(rec), WithClock(func() time.Time { return base }))

	plan := split(t, payload(t, 3000), framer.Config{ShardSize: 1000, MaxPayload: 1000})
	c.OnFrameDecoded(plan.Texts()[0])

	assert.Empty(t, c.CheckStalls(base.Add(10*time.Second)))
	stalled := c.CheckStalls(base.Add(31 * time.Second))
	require.Len(t, stalled, 1)
	assert.True(t, stalled[0].Stalled)
	assert.Equal(t, []int{1, 2}, stalled[0].Missing)
	// Flagged only once.
	assert.Empty(t, c.CheckStalls(base.Add(time.Hour)))
	require.Len(t, rec.stalls, 1)

	p, ok := c.Session(plan.SessionID)
	require.True(t, ok)
	assert.True(t, p.Stalled)

	// Growth clears the flag.
	c.OnFrameDecoded(plan.Texts()[1])
	p, _ = c.Session(plan.SessionID)
	assert.False(t, p.Stalled)
}

func TestStallReset(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.StallAfter = time.Second
	cfg.StallReset = true
	c := New(&memSaver{}, cfg, WithClock(func() time.Time { return base }))

	plan := split(t, payload(t, 3000), framer.Config{ShardSize: 1000, MaxPayload: 1000})
	c.OnFrameDecoded(plan.Texts()[0])
	require.Len(t, c.CheckStalls(base.Add(2*time.Second)), 1)
	assert.Empty(t, c.Snapshot())
}

func TestWatchStalls(t *testing.T) {
	var now atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now.Store(base.UnixNano())
	cfg := DefaultConfig()
	cfg.StallAfter = time.Minute
	cfg.StallReset = true
	c := New(&memSaver{}, cfg, WithClock(func() time.Time { return time.Unix(0, now.Load()).UTC() }))

	plan := split(t, payload(t, 3000), framer.Config{ShardSize: 1000, MaxPayload: 1000})
	c.OnFrameDecoded(plan.Texts()[0])

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.WatchStalls(ctx, 5*time.Millisecond) }()

	now.Store(base.Add(time.Hour).UnixNano())
	assert.Eventually(t, func() bool { return len(c.Snapshot()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	assert.Error(t, c.WatchStalls(context.Background(), 0))
}

func TestRepeatWarning(t *testing.T) {
	plan := split(t, payload(t, 3000), framer.DefaultConfig())
	rec := newRecorder()
	c := New(&memSaver{}, DefaultConfig(), WithReporter(rec))
	for i := 0; i < 25; i++ {
		c.OnFrameDecoded(plan.Texts()[0])
	}
	var warns int
	for _, e := range rec.logs {
		if e.Level == LevelWarn {
			warns++
		}
	}
	assert.Equal(t, 1, warns)
}

func TestThresholdHint(t *testing.T) {
	plan := split(t, payload(t, 10000), framer.Config{ShardSize: 1000, MaxPayload: 1000})
	c := New(&memSaver{}, DefaultConfig())
	for i := 0; i < 5; i++ {
		c.OnFrameDecoded(plan.Texts()[i])
	}
	p, _ := c.Session(plan.SessionID)
	assert.Equal(t, 6, p.Threshold)
	assert.False(t, p.ThresholdReached)

	c.OnFrameDecoded(plan.Texts()[5])
	p, _ = c.Session(plan.SessionID)
	assert.True(t, p.ThresholdReached)
	assert.False(t, p.Complete)
}

func TestReconstruct(t *testing.T) {
	shards := [][]byte{[]byte("abc"), []byte("def"), []byte("gh")}
	out, err := Reconstruct(shards, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", string(out))

	out, err = Reconstruct(shards, 3, -1)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(out))

	_, err = Reconstruct([][]byte{[]byte("a"), nil}, 2, 2)
	assert.ErrorIs(t, err, ErrIncomplete)
	_, err = Reconstruct(shards, 4, 9)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.OnLog(Entry{Message: string(rune('a' + i))})
	}
	var msgs []string
	for _, e := range r.Entries() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"c", "d", "e"}, msgs)
	assert.Empty(t, NewRing(0).Entries())
}

func TestMultiReporter(t *testing.T) {
	a, b := newRecorder(), newRecorder()
	m := MultiReporter{a, b}
	m.OnComplete(Delivery{FileName: "x"})
	m.OnLog(Entry{Message: "hi"})
	assert.Len(t, a.completed, 1)
	assert.Len(t, b.logs, 1)
}
