// Package imageprocessor turns uploaded image files into the canonical PNG
// payloads sent to the classifier, and derives the augmented variant.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	// Registered decoders for the accepted upload formats.
	_ "image/jpeg"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// CanonicalMIMEType is the single raster format every image is normalized to.
const CanonicalMIMEType = "image/png"

// DefaultMaxPixels caps width*height before a full decode is attempted.
const DefaultMaxPixels = 40_000_000

// AcceptedMIMETypes lists the upload formats recognised at the boundary.
var AcceptedMIMETypes = []string{"image/png", "image/jpeg", "image/webp", "image/bmp"}

var (
	ErrEmptyImage        = errors.New("image data is empty")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrImageTooLarge     = errors.New("image dimensions exceed limit")
)

// DecodeError reports bytes that could not be turned into a raster image.
// It is never retried.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RasterImage is a decoded pixel buffer.
type RasterImage struct {
	Pixels *image.NRGBA
	Width  int
	Height int
}

// EncodedImage is the wire representation of a RasterImage.
type EncodedImage struct {
	MIMEType string
	Data     []byte
}

// Base64 returns the standard base64 encoding of the payload.
func (e EncodedImage) Base64() string {
	return base64.StdEncoding.EncodeToString(e.Data)
}

// DataURL renders the payload as a data: URL suitable for an <img> src.
func (e EncodedImage) DataURL() string {
	return "data:" + e.MIMEType + ";base64," + e.Base64()
}

// IsZero reports whether the image carries no payload.
func (e EncodedImage) IsZero() bool {
	return len(e.Data) == 0
}

// Decode sniffs, bounds-checks and rasterizes data at its natural size.
// The returned string is the detected MIME type.
func Decode(data []byte, maxPixels int) (*RasterImage, string, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: ErrEmptyImage}
	}

	detected := mimetype.Detect(data)
	format := detected.String()
	if !accepted(detected) {
		return nil, format, &DecodeError{Format: format, Err: ErrUnsupportedFormat}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, format, &DecodeError{Format: format, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, &DecodeError{Format: format, Err: ErrEmptyImage}
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, format, &DecodeError{
			Format: format,
			Err:    fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height),
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, &DecodeError{Format: format, Err: err}
	}

	pixels := imaging.Clone(img)
	bounds := pixels.Bounds()
	return &RasterImage{Pixels: pixels, Width: bounds.Dx(), Height: bounds.Dy()}, format, nil
}

// Encode writes the raster losslessly in the canonical format.
func Encode(r *RasterImage) (EncodedImage, error) {
	if r == nil || r.Pixels == nil {
		return EncodedImage{}, &DecodeError{Err: ErrEmptyImage}
	}
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := encoder.Encode(&buf, r.Pixels); err != nil {
		return EncodedImage{}, fmt.Errorf("encode png: %w", err)
	}
	return EncodedImage{MIMEType: CanonicalMIMEType, Data: buf.Bytes()}, nil
}

func accepted(m *mimetype.MIME) bool {
	for _, candidate := range AcceptedMIMETypes {
		if m.Is(candidate) {
			return true
		}
	}
	return false
}
