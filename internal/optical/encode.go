// Package optical converts frame text to and from QR code images.
package optical

import (
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// ErrCapacityExceeded is returned when text does not fit in a single code.
var ErrCapacityExceeded = errors.New("content exceeds QR code capacity")

const DefaultSize = 480

// ParseLevel maps low, medium, high and highest to a recovery level.
func ParseLevel(s string) (qrcode.RecoveryLevel, error) {
	switch strings.ToLower(s) {
	case "low", "l":
		return qrcode.Low, nil
	case "", "medium", "m":
		return qrcode.Medium, nil
	case "high", "q":
		return qrcode.High, nil
	case "highest", "h":
		return qrcode.Highest, nil
	}
	return qrcode.Medium, fmt.Errorf("unknown error correction level %q", s)
}

// LevelName is the inverse of ParseLevel.
func LevelName(l qrcode.RecoveryLevel) string {
	switch l {
	case qrcode.Low:
		return "low"
	case qrcode.High:
		return "high"
	case qrcode.Highest:
		return "highest"
	}
	return "medium"
}

// Encoder renders text as a PNG QR code.
type Encoder struct {
	Level qrcode.RecoveryLevel
	// Size is the image width and height in pixels.
	Size int
}

func NewEncoder(level qrcode.RecoveryLevel, size int) Encoder {
	if size <= 0 {
		size = DefaultSize
	}
	return Encoder{Level: level, Size: size}
}

func (e Encoder) Encode(text string) ([]byte, error) {
	q, err := qrcode.New(text, e.Level)
	if err != nil {
		if strings.Contains(err.Error(), "too long") {
			return nil, fmt.Errorf("%w: %d characters at level %s", ErrCapacityExceeded, len(text), LevelName(e.Level))
		}
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	png, err := q.PNG(e.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	return png, nil
}

// Fits reports whether text fits in one code at the encoder's level.
func (e Encoder) Fits(text string) bool {
	_, err := qrcode.New(text, e.Level)
	return err == nil
}

// ProbeCapacity returns the longest text of byte-mode characters in
// [low, high] that still encodes at level, or 0 when even low does not fit.
func ProbeCapacity(level qrcode.RecoveryLevel, low, high int) int {
	e := Encoder{Level: level}
	fits := func(n int) bool { return e.Fits(strings.Repeat("a", n)) }
	if low < 1 {
		low = 1
	}
	if !fits(low) {
		return 0
	}
	for low < high {
		mid := low + (high-low+1)/2
		if fits(mid) {
			low = mid
		} else {
			high = mid - 1
		}
	}
	return low
}
