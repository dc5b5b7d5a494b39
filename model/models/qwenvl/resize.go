package qwenvl

import (
	"errors"
	"fmt"
	"math"
)

// maxAspectRatio is the largest long-edge to short-edge ratio accepted by
// SmartResize.
const maxAspectRatio = 200

var (
	ErrInvalidDimension    = errors.New("invalid image dimension")
	ErrAspectRatioExceeded = errors.New("aspect ratio exceeded")
)

// SmartResize computes the size an image of height x width is resampled to
// before patching. Both returned edges are multiples of factor. When the
// rounded area falls outside [minPixels, maxPixels] the original size is
// scaled by a common factor and floored to the grid once; the result is
// not checked against the opposite bound.
//
// Arithmetic is carried out in single precision so the output matches the
// preprocessing the models were trained with.
func SmartResize(height, width, factor, minPixels, maxPixels int) (int, int, error) {
	if height < factor {
		return 0, 0, fmt.Errorf("%w: height %d must be larger than factor %d", ErrInvalidDimension, height, factor)
	}
	if width < factor {
		return 0, 0, fmt.Errorf("%w: width %d must be larger than factor %d", ErrInvalidDimension, width, factor)
	}
	if max(height, width)/min(height, width) > maxAspectRatio {
		return 0, 0, fmt.Errorf("%w: absolute aspect ratio must be smaller than %d, got %dx%d", ErrAspectRatioExceeded, maxAspectRatio, width, height)
	}

	h, w, f := float32(height), float32(width), float32(factor)

	hBar := round(h/f) * factor
	wBar := round(w/f) * factor

	if hBar*wBar > maxPixels {
		beta := sqrt(float32(height*width) / float32(maxPixels))
		hBar = floor(h/beta/f) * factor
		wBar = floor(w/beta/f) * factor
	} else if hBar*wBar < minPixels {
		beta := sqrt(float32(minPixels) / float32(height*width))
		hBar = floor(h*beta/f) * factor
		wBar = floor(w*beta/f) * factor
	}

	return hBar, wBar, nil
}

// round rounds half away from zero.
func round(x float32) int {
	return int(math.Round(float64(x)))
}

func floor(x float32) int {
	return int(math.Floor(float64(x)))
}

func sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
