package qwenvl

import (
	"errors"
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/smdesai/vlm/model/input"
)

var ErrInvalidFrames = errors.New("invalid frames")

// Patchify turns channel-first frames (channels x height x width each) into
// the flattened patch matrix consumed by the vision encoder. It returns
// the matrix in row-major order, with one row per patch and
// channels*TemporalPatchSize*PatchSize*PatchSize columns, together with
// the patch grid.
//
// When the number of frames is not a multiple of TemporalPatchSize the
// last frame is repeated until it is. Rows are ordered by temporal group,
// then merge block row, merge block column, and finally by position inside
// the merge block, which is the order the placeholder tokens are emitted
// in by Prompt.
func Patchify(frames [][]float32, channels, height, width int, c Config) ([]float32, input.Grid, error) {
	if len(frames) == 0 {
		return nil, input.Grid{}, fmt.Errorf("%w: no frames", ErrInvalidFrames)
	}

	if channels <= 0 || height <= 0 || width <= 0 {
		return nil, input.Grid{}, fmt.Errorf("%w: %dx%dx%d", ErrInvalidFrames, channels, height, width)
	}

	if height%c.Factor() != 0 || width%c.Factor() != 0 {
		return nil, input.Grid{}, fmt.Errorf("%w: %dx%d is not a multiple of %d", ErrInvalidFrames, height, width, c.Factor())
	}

	plane := channels * height * width
	for i, f := range frames {
		if len(f) != plane {
			return nil, input.Grid{}, fmt.Errorf("%w: frame %d has %d values, expected %d", ErrInvalidFrames, i, len(f), plane)
		}
	}

	numFrames := len(frames)
	if mod := numFrames % c.TemporalPatchSize; mod != 0 {
		numFrames += c.TemporalPatchSize - mod
	}

	data := make([]float32, numFrames*plane)
	for i := range numFrames {
		src := frames[min(i, len(frames)-1)]
		copy(data[i*plane:(i+1)*plane], src)
	}

	grid := input.Grid{
		Temporal: numFrames / c.TemporalPatchSize,
		Height:   height / c.PatchSize,
		Width:    width / c.PatchSize,
	}

	var t tensor.Tensor = tensor.New(
		tensor.WithShape(
			grid.Temporal,
			c.TemporalPatchSize,
			channels,
			grid.Height/c.MergeSize,
			c.MergeSize,
			c.PatchSize,
			grid.Width/c.MergeSize,
			c.MergeSize,
			c.PatchSize,
		),
		tensor.WithBacking(data),
	)

	t, err := tensor.Transpose(t, 0, 3, 6, 4, 7, 2, 1, 5, 8)
	if err != nil {
		return nil, input.Grid{}, err
	}

	// flatten so it can be returned as a vector
	if err := t.Reshape(t.Shape().TotalSize()); err != nil {
		return nil, input.Grid{}, err
	}

	patches, err := native.VectorF32(t.(*tensor.Dense))
	if err != nil {
		return nil, input.Grid{}, err
	}

	return patches, grid, nil
}

// PatchDim is the number of columns of the matrix produced by Patchify.
func (c Config) PatchDim(channels int) int {
	return channels * c.TemporalPatchSize * c.PatchSize * c.PatchSize
}
