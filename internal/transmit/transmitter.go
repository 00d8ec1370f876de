// Package transmit shows a fixed frame sequence on a rendering target at a
// constant rate, cycling so that a lossy receiver gets repeated chances at
// every frame.
package transmit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harrylevesque/qrdrop/internal/utils"
)

var (
	ErrAlreadyRunning = errors.New("transmission already running")
	ErrNoFrames       = errors.New("no frames to transmit")
)

// Ticker interface to improve testability of the display loop.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type defaultTicker struct {
	*time.Ticker
}

func (t *defaultTicker) Chan() <-chan time.Time {
	return t.C
}

// NewTicker returns a new Ticker with time.Ticker as implementation.
func NewTicker(d time.Duration) Ticker {
	return &defaultTicker{
		Ticker: time.NewTicker(d),
	}
}

// Renderer draws the frame at index onto the display target.
type Renderer interface {
	Render(ctx context.Context, index int, text string) error
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(ctx context.Context, index int, text string) error

func (f RenderFunc) Render(ctx context.Context, index int, text string) error {
	return f(ctx, index, text)
}

// RenderResult is passed to the Reporter after each display attempt.
type RenderResult struct {
	Cycle int
	Index int
	Total int
	Err   error
}

type Reporter interface {
	OnRender(RenderResult)
}

// MultiReporter forwards every result to all members.
type MultiReporter []Reporter

func (m MultiReporter) OnRender(r RenderResult) {
	for _, rep := range m {
		rep.OnRender(r)
	}
}

// Stats summarises a transmission.
type Stats struct {
	Cycles   int `json:"cycles"`
	Rendered int `json:"rendered"`
	Failures int `json:"failures"`
}

// Options configure a Transmitter. Zero durations skip the corresponding wait.
type Options struct {
	// Interval between frames.
	Interval time.Duration
	// Warmup before the first frame, giving the receiver time to aim.
	Warmup time.Duration
	// Cycles bounds the number of passes over the frames. Zero repeats forever.
	Cycles int
	// Pause between cycles.
	Pause time.Duration

	NewTicker func(time.Duration) Ticker
	After     func(time.Duration) <-chan time.Time
	Logger    *utils.Logger
	Reporter  Reporter
}

// Transmitter runs at most one display loop at a time.
type Transmitter struct {
	renderer Renderer
	opts     Options

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	stats   Stats
}

func New(renderer Renderer, opts Options) *Transmitter {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTicker
	}
	if opts.After == nil {
		opts.After = time.After
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	return &Transmitter{renderer: renderer, opts: opts}
}

// Start launches the display loop in the background.
func (t *Transmitter) Start(frames []string) error {
	return t.start(context.Background(), frames)
}

// Run displays frames until the configured cycles are done, Stop is called or
// ctx is cancelled. It returns ctx.Err() in the latter case.
func (t *Transmitter) Run(ctx context.Context, frames []string) error {
	if err := t.start(ctx, frames); err != nil {
		return err
	}
	<-t.Done()
	return ctx.Err()
}

func (t *Transmitter) start(ctx context.Context, frames []string) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrAlreadyRunning
	}
	t.running = true
	t.stats = Stats{}
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done = stop, done

	frames = append([]string(nil), frames...)
	go func() {
		defer close(done)
		t.loop(ctx, frames, stop)
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()
	return nil
}

// Stop ends the display loop. If a frame is being rendered this method
// blocks until it is done.
func (t *Transmitter) Stop() {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Done returns a channel closed when the current loop exits. It is nil before
// the first Start.
func (t *Transmitter) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Transmitter) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Transmitter) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Transmitter) loop(ctx context.Context, frames []string, stop <-chan struct{}) {
	log := t.opts.Logger
	log.Info("Transmission starting", zap.Int("frames", len(frames)),
		zap.Duration("interval", t.opts.Interval), zap.Int("cycles", t.opts.Cycles))
	if !t.wait(ctx, stop, t.opts.Warmup) {
		return
	}
	ticker := t.opts.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	cursor, cycle := 0, 0
	for {
		select {
		// Make sure that stop is evaluated before the next render.
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
			t.show(ctx, cycle, cursor, frames)
		}

		cursor++
		if cursor == len(frames) {
			cursor = 0
			cycle++
			t.mu.Lock()
			t.stats.Cycles = cycle
			t.mu.Unlock()
			log.Debug("Cycle complete", zap.Int("cycle", cycle))
			if t.opts.Cycles > 0 && cycle >= t.opts.Cycles {
				log.Info("Transmission finished", zap.Int("cycles", cycle))
				return
			}
			if t.opts.Pause > 0 {
				if !t.wait(ctx, stop, t.opts.Pause) {
					return
				}
				continue
			}
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (t *Transmitter) show(ctx context.Context, cycle, index int, frames []string) {
	err := t.renderer.Render(ctx, index, frames[index])
	t.mu.Lock()
	if err != nil {
		t.stats.Failures++
	} else {
		t.stats.Rendered++
	}
	t.mu.Unlock()
	if err != nil {
		// A frame that never renders makes its shard unrecoverable.
		t.opts.Logger.Error("Failed to render frame", zap.Int("index", index),
			zap.Int("cycle", cycle), zap.Error(err))
	}
	if t.opts.Reporter != nil {
		t.opts.Reporter.OnRender(RenderResult{Cycle: cycle, Index: index, Total: len(frames), Err: err})
	}
}

// wait blocks for d and reports whether the loop should continue.
func (t *Transmitter) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.opts.After(d):
		return true
	}
}
