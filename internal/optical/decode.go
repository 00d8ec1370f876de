package optical

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/harrylevesque/qrdrop/internal/utils"
)

// ErrNotFound is returned when an image holds no readable code. It is the
// common case for camera frames and not worth reporting.
var ErrNotFound = errors.New("no QR code found")

// Decoder reads QR codes from images. A reader is not safe for concurrent use,
// so calls are serialised.
type Decoder struct {
	mu     sync.Mutex
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

func NewDecoder() *Decoder {
	return &Decoder{
		reader: qrcode.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

func (d *Decoder) Decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("failed to binarize image: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.reader.Decode(bmp, d.hints)
	d.reader.Reset()
	if err != nil {
		var nf gozxing.NotFoundException
		if errors.As(err, &nf) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return res.GetText(), nil
}

// DecodeFile reads a PNG or JPEG file and decodes the code it shows.
func (d *Decoder) DecodeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", utils.Wrap(utils.CodeCamera, "failed to open image", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return d.Decode(img)
}
