package collector

import (
	"sync"
	"time"
)

// Log levels used in Entry.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Frame results reported through OnFrame.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultMalformed = "malformed"
	ResultIgnored   = "ignored"
)

// Entry is a user facing status line.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message"`
}

// FrameResult describes what happened to one decoded text.
type FrameResult struct {
	SessionID string
	Shard     int
	Sub       int
	Result    string
}

// Delivery describes a reconstructed and saved file.
type Delivery struct {
	SessionID string `json:"sessionId"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
	Location  string `json:"location"`
}

// Reporter observes the collector. Calls are made while the collector lock is
// held, so implementations must not call back into the collector.
type Reporter interface {
	OnFrame(FrameResult)
	OnShard(p Progress, shard int)
	OnProgress(Progress)
	OnComplete(Delivery)
	OnFailure(p Progress, err error)
	OnStall(Progress)
	OnLog(Entry)
}

// BaseReporter implements Reporter with no-ops. Embed it to observe a subset.
type BaseReporter struct{}

func (BaseReporter) OnFrame(FrameResult)       {}
func (BaseReporter) OnShard(Progress, int)     {}
func (BaseReporter) OnProgress(Progress)       {}
func (BaseReporter) OnComplete(Delivery)       {}
func (BaseReporter) OnFailure(Progress, error) {}
func (BaseReporter) OnStall(Progress)          {}
func (BaseReporter) OnLog(Entry)               {}

// MultiReporter fans every call out to all of its members in order.
type MultiReporter []Reporter

func (m MultiReporter) OnFrame(r FrameResult) {
	for _, rep := range m {
		rep.OnFrame(r)
	}
}

func (m MultiReporter) OnShard(p Progress, shard int) {
	for _, rep := range m {
		rep.OnShard(p, shard)
	}
}

func (m MultiReporter) OnProgress(p Progress) {
	for _, rep := range m {
		rep.OnProgress(p)
	}
}

func (m MultiReporter) OnComplete(d Delivery) {
	for _, rep := range m {
		rep.OnComplete(d)
	}
}

func (m MultiReporter) OnFailure(p Progress, err error) {
	for _, rep := range m {
		rep.OnFailure(p, err)
	}
}

func (m MultiReporter) OnStall(p Progress) {
	for _, rep := range m {
		rep.OnStall(p)
	}
}

func (m MultiReporter) OnLog(e Entry) {
	for _, rep := range m {
		rep.OnLog(e)
	}
}

// DefaultRingSize is the number of entries kept by NewRing(0).
const DefaultRingSize = 100

// Ring keeps the most recent log entries for status displays.
type Ring struct {
	BaseReporter

	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

func (r *Ring) OnLog(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Entry(nil), r.entries[:r.next]...)
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}
