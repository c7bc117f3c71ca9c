package codec

import (
	"bytes"
	"image"
	"image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/multi"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/skip2/go-qrcode"

	"golang.org/x/xerrors"
)

// qrScale is the width and height, in pixels, of the rendered PNG. The
// QR version, and so the symbol's capacity, is chosen by the encoder from
// the payload length at error-correction level Medium, not from this size.
const qrScale = 256

// ScanError is returned when an image contains no recognizable QR
// symbol.
type ScanError struct {
	Reason string
}

func (e *ScanError) Error() string { return "codec: scan error: " + e.Reason }

// Render encodes payload as one QR symbol and returns a grayscale PNG.
func Render(payload []byte) ([]byte, error) {
	png, err := qrcode.Encode(string(payload), qrcode.Medium, qrScale)
	if err != nil {
		return nil, xerrors.Errorf("qr encode: %w", err)
	}
	return png, nil
}

// Scan decodes a grayscale PNG, locates QR symbols, and returns the
// payload of the last successfully decoded symbol: an image containing
// multiple symbols is tolerated, but only the last one decoded is used.
// It fails with *ScanError if the image contains zero recognizable
// symbols.
func Scan(pngBytes []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, &ScanError{Reason: "not a PNG image: " + err.Error()}
	}

	bitmap, err := gozxing.NewBinaryBitmapFromImage(toGray(img))
	if err != nil {
		return nil, &ScanError{Reason: err.Error()}
	}

	reader := multi.NewQRCodeMultiReader()
	results, err := reader.DecodeMultiple(bitmap, nil)
	if err != nil || len(results) == 0 {
		// Fall back to a single-symbol reader: some qrfs-rendered images
		// contain exactly one symbol, and the multi-reader implementation
		// is tuned for overlapping/rotated symbols that do not apply here.
		single, singleErr := qrcode.NewQRCodeReader().Decode(bitmap, nil)
		if singleErr != nil {
			return nil, &ScanError{Reason: "no recognizable QR symbol"}
		}
		return textToBytes(single.GetText()), nil
	}

	last := results[len(results)-1]
	return textToBytes(last.GetText()), nil
}

// textToBytes reverses the byte->string conversion Render's underlying
// encoder performs. gozxing decodes byte-mode QR segments as ISO-8859-1
// (Latin-1), which maps every byte value 0-255 to the identically
// numbered rune; truncating each rune back to a single byte therefore
// round-trips the original payload exactly. Ranging over []byte(s)
// instead would split any rune above 127 into its multi-byte UTF-8
// encoding and corrupt the payload.
func textToBytes(s string) []byte {
	runes := []rune(s)
	b := make([]byte, len(runes))
	for i, r := range runes {
		b[i] = byte(r)
	}
	return b
}

func toGray(img image.Image) image.Image {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}
