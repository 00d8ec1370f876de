package transmit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harrylevesque/qrdrop/internal/utils"
)

// ErrNotEncoded is returned when showing a frame that failed to pre-encode.
var ErrNotEncoded = errors.New("frame was not encoded")

// Encoder turns frame text into a PNG image.
type Encoder interface {
	Encode(text string) ([]byte, error)
}

// Sink displays an encoded frame.
type Sink interface {
	Show(index int, text string, png []byte) error
}

// CacheRenderer encodes every frame once up front and replays the images.
type CacheRenderer struct {
	sink   Sink
	images [][]byte
	errs   []error
}

// NewCacheRenderer encodes frames concurrently. Frames that fail to encode are
// logged and leave an empty slot; showing them fails every time.
func NewCacheRenderer(ctx context.Context, enc Encoder, frames []string, sink Sink, log *utils.Logger) (*CacheRenderer, error) {
	if log == nil {
		log = utils.NewNopLogger()
	}
	r := &CacheRenderer{
		sink:   sink,
		images: make([][]byte, len(frames)),
		errs:   make([]error, len(frames)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, text := range frames {
		i, text := i, text
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := enc.Encode(text)
			if err != nil {
				r.errs[i] = err
				return nil
			}
			r.images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, err := range r.errs {
		if err != nil {
			log.Error("Failed to encode frame", zap.Int("index", i), zap.Int("chars", len(frames[i])), zap.Error(err))
		}
	}
	return r, nil
}

// Failed returns the indices of frames that could not be encoded.
func (r *CacheRenderer) Failed() []int {
	var out []int
	for i, err := range r.errs {
		if err != nil {
			out = append(out, i)
		}
	}
	return out
}

func (r *CacheRenderer) Render(_ context.Context, index int, text string) error {
	if index < 0 || index >= len(r.images) {
		return fmt.Errorf("frame index %d out of range [0,%d)", index, len(r.images))
	}
	if r.images[index] == nil {
		return fmt.Errorf("%w: %v", ErrNotEncoded, r.errs[index])
	}
	return r.sink.Show(index, text, r.images[index])
}

// WriteSequence writes every encoded frame to dir as frame-00000.png and so on.
// It returns the number of files written.
func (r *CacheRenderer) WriteSequence(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, utils.Wrap(utils.CodeIO, "failed to create frame directory", err)
	}
	n := 0
	for i, img := range r.images {
		if img == nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame-%05d.png", i)), img, 0644); err != nil {
			return n, utils.Wrap(utils.CodeIO, "failed to write frame", err)
		}
		n++
	}
	return n, nil
}

// DirSink keeps current.png and current.txt in Dir up to date. Files are
// replaced by rename so that a watcher never reads a partial image.
type DirSink struct {
	Dir string
}

func (d DirSink) Show(_ int, text string, png []byte) error {
	if err := replaceFile(filepath.Join(d.Dir, "current.png"), png); err != nil {
		return err
	}
	return replaceFile(filepath.Join(d.Dir, "current.txt"), []byte(text))
}

func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return utils.Wrap(utils.CodeIO, "failed to write "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return utils.Wrap(utils.CodeIO, "failed to replace "+filepath.Base(path), err)
	}
	return nil
}

// Current holds the frame on display for HTTP viewers.
type Current struct {
	mu    sync.RWMutex
	index int
	text  string
	png   []byte
}

func (c *Current) Show(index int, text string, png []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index, c.text, c.png = index, text, png
	return nil
}

// Get returns the frame on display. ok is false before the first frame.
func (c *Current) Get() (index int, text string, png []byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index, c.text, c.png, c.png != nil
}

// MultiSink shows each frame on every member and returns the first error.
type MultiSink []Sink

func (m MultiSink) Show(index int, text string, png []byte) error {
	var first error
	for _, s := range m {
		if err := s.Show(index, text, png); err != nil && first == nil {
			first = err
		}
	}
	return first
}
