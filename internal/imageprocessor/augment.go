package imageprocessor

import (
	"context"
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmentation constants. Only the rotation angle is randomized.
const (
	MaxRotation       = 0.1  // radians, either direction
	AugmentScale      = 1.02 // uniform zoom about the image center
	AugmentSaturation = 1.1  // saturation multiplier
)

// AugmentParams records the perturbation applied to one image.
type AugmentParams struct {
	Angle      float64 `json:"angle"`
	Scale      float64 `json:"scale"`
	Saturation float64 `json:"saturation"`
}

// Augmenter produces a randomly rotated, slightly zoomed and saturated copy
// of a canonical image. Repeated calls on the same input differ.
type Augmenter struct {
	logger    *zap.Logger
	maxPixels int
	random    func() float64
}

// AugmenterOption customises an Augmenter.
type AugmenterOption func(*Augmenter)

// WithRandom replaces the uniform [0,1) source used to draw the angle.
func WithRandom(random func() float64) AugmenterOption {
	return func(a *Augmenter) {
		if random != nil {
			a.random = random
		}
	}
}

// WithMaxPixels sets the decode ceiling.
func WithMaxPixels(maxPixels int) AugmenterOption {
	return func(a *Augmenter) {
		if maxPixels > 0 {
			a.maxPixels = maxPixels
		}
	}
}

// NewAugmenter constructs an Augmenter using math/rand/v2 by default.
func NewAugmenter(logger *zap.Logger, opts ...AugmenterOption) *Augmenter {
	a := &Augmenter{
		logger:    logger.Named("augmenter"),
		maxPixels: DefaultMaxPixels,
		random:    rand.Float64,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Augment re-decodes src and renders it through the augmentation transform
// onto a surface of the same size.
func (a *Augmenter) Augment(ctx context.Context, src EncodedImage) (EncodedImage, AugmentParams, error) {
	if err := ctx.Err(); err != nil {
		return EncodedImage{}, AugmentParams{}, err
	}

	raster, _, err := Decode(src.Data, a.maxPixels)
	if err != nil {
		return EncodedImage{}, AugmentParams{}, err
	}

	params := AugmentParams{
		Angle:      (a.random() - 0.5) * 2 * MaxRotation,
		Scale:      AugmentScale,
		Saturation: AugmentSaturation,
	}

	if err := ctx.Err(); err != nil {
		return EncodedImage{}, AugmentParams{}, err
	}

	out, err := Encode(Apply(raster, params))
	if err != nil {
		return EncodedImage{}, AugmentParams{}, err
	}

	a.logger.Debug("augmented image",
		zap.Float64("angle_rad", params.Angle),
		zap.Int("width", raster.Width),
		zap.Int("height", raster.Height),
	)
	return out, params, nil
}

// Apply composites src through rotate(angle) and scale about the center,
// with the saturation filter applied to the drawn pixels. Uncovered areas
// stay transparent.
func Apply(src *RasterImage, p AugmentParams) *RasterImage {
	filtered := imaging.AdjustSaturation(src.Pixels, (p.Saturation-1)*100)

	dst := image.NewNRGBA(image.Rect(0, 0, src.Width, src.Height))
	draw.BiLinear.Transform(dst, centeredTransform(src.Width, src.Height, p), filtered, filtered.Bounds(), draw.Over, nil)

	return &RasterImage{Pixels: dst, Width: src.Width, Height: src.Height}
}

// centeredTransform maps source to destination coordinates as
// translate(c) * rotate(angle) * scale(s) * translate(-c).
func centeredTransform(width, height int, p AugmentParams) f64.Aff3 {
	cx, cy := float64(width)/2, float64(height)/2
	sin, cos := math.Sincos(p.Angle)

	a, b := p.Scale*cos, -p.Scale*sin
	d, e := p.Scale*sin, p.Scale*cos
	return f64.Aff3{
		a, b, cx - (a*cx + b*cy),
		d, e, cy - (d*cx + e*cy),
	}
}
