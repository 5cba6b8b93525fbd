package imageprocessor

import (
	"context"

	"go.uber.org/zap"
)

// Normalizer converts an arbitrary accepted upload into a canonical PNG.
type Normalizer struct {
	logger    *zap.Logger
	maxPixels int
}

// NewNormalizer constructs a Normalizer. A non-positive maxPixels selects
// DefaultMaxPixels.
func NewNormalizer(logger *zap.Logger, maxPixels int) *Normalizer {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Normalizer{logger: logger.Named("normalizer"), maxPixels: maxPixels}
}

// Normalize decodes data, rasterizes it at its natural size and re-encodes
// it as PNG, discarding the original container format.
func (n *Normalizer) Normalize(ctx context.Context, data []byte) (EncodedImage, error) {
	if err := ctx.Err(); err != nil {
		return EncodedImage{}, err
	}

	raster, format, err := Decode(data, n.maxPixels)
	if err != nil {
		n.logger.Warn("rejected upload", zap.String("format", format), zap.Int("bytes", len(data)), zap.Error(err))
		return EncodedImage{}, err
	}

	if err := ctx.Err(); err != nil {
		return EncodedImage{}, err
	}

	encoded, err := Encode(raster)
	if err != nil {
		return EncodedImage{}, err
	}

	n.logger.Debug("normalized image",
		zap.String("source_format", format),
		zap.Int("width", raster.Width),
		zap.Int("height", raster.Height),
		zap.Int("bytes", len(encoded.Data)),
	)
	return encoded, nil
}
