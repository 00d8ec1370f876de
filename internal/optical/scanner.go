package optical

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harrylevesque/qrdrop/internal/utils"
)

// Scanner polls a directory for captured images and decodes every new or
// changed one. It stands in for a camera: any process that drops frames into
// the directory is a capture source.
type Scanner struct {
	Dir      string
	Interval time.Duration
	Decoder  *Decoder
	Logger   *utils.Logger

	seen map[string]fileStamp
}

type fileStamp struct {
	mod  time.Time
	size int64
}

func NewScanner(dir string, interval time.Duration, log *utils.Logger) *Scanner {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Scanner{
		Dir:      dir,
		Interval: interval,
		Decoder:  NewDecoder(),
		Logger:   log,
		seen:     make(map[string]fileStamp),
	}
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// ScanOnce decodes images that changed since the last scan, in name order, and
// passes each decoded text to onText. It returns the number of texts decoded.
func (s *Scanner) ScanOnce(onText func(string)) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0, utils.Wrap(utils.CodeCamera, "cannot read capture directory", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	decoded := 0
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stamp := fileStamp{mod: info.ModTime(), size: info.Size()}
		path := filepath.Join(s.Dir, e.Name())
		if prev, ok := s.seen[path]; ok && prev == stamp {
			continue
		}
		s.seen[path] = stamp

		text, err := s.Decoder.DecodeFile(path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.Logger.Debug("No code in image", zap.String("path", path))
			} else {
				s.Logger.Warn("Failed to decode image", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		decoded++
		onText(text)
	}
	return decoded, nil
}

// Run scans every Interval until ctx is done. The directory must exist when
// Run starts; later read errors are logged and retried.
func (s *Scanner) Run(ctx context.Context, onText func(string)) error {
	if _, err := s.ScanOnce(onText); err != nil {
		return err
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.ScanOnce(onText); err != nil {
				s.Logger.Warn("Scan failed", zap.String("dir", s.Dir), zap.Error(err))
			}
		}
	}
}
