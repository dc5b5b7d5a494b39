package input

import (
	"errors"
	"fmt"
)

var ErrInvalidGrid = errors.New("invalid grid")

// Grid is the temporal, vertical and horizontal patch count of one
// preprocessed image or video.
type Grid struct {
	Temporal int `json:"t"`
	Height   int `json:"h"`
	Width    int `json:"w"`
}

// Product is the number of patches covered by the grid. It equals the
// number of rows contributed to the flattened pixel array.
func (g Grid) Product() int {
	return g.Temporal * g.Height * g.Width
}

// Validate reports whether every dimension of g is positive.
func (g Grid) Validate() error {
	if g.Temporal <= 0 || g.Height <= 0 || g.Width <= 0 {
		return fmt.Errorf("%w: %dx%dx%d, every dimension must be positive", ErrInvalidGrid, g.Temporal, g.Height, g.Width)
	}
	return nil
}

// Vision holds the flattened patches of one or more images (or videos)
// concatenated row-wise, together with the grid of each of them in
// input order.
type Vision struct {
	// Pixels is a row-major Rows x Cols matrix.
	Pixels []float32
	Rows   int
	Cols   int

	Grids []Grid
}

// Input is everything a vision-language model needs for a forward pass
// over a prompt.
type Input struct {
	// Tokens is the tokenized prompt, including the vision
	// placeholder tokens.
	Tokens []int32

	// Mask marks every token that should be attended to. It is always
	// as long as Tokens and is 0 only at padding.
	Mask []int8

	Image *Vision
	Video *Vision
}

// defaultMinBatchLength is the shortest padded length produced by
// BatchTokens.
const defaultMinBatchLength = 16

// BatchTokens pads token sequences to a common length so they can be
// evaluated as one batch. The common length is the longest sequence, but
// never shorter than minLen (16 when minLen <= 0). Padding uses padID and
// the returned mask is 0 wherever a padding token was inserted.
func BatchTokens(seqs [][]int32, padID int32, minLen int) ([][]int32, [][]int8) {
	if minLen <= 0 {
		minLen = defaultMinBatchLength
	}

	n := minLen
	for _, s := range seqs {
		n = max(n, len(s))
	}

	tokens := make([][]int32, len(seqs))
	masks := make([][]int8, len(seqs))
	for i, s := range seqs {
		tokens[i] = make([]int32, n)
		masks[i] = make([]int8, n)

		copy(tokens[i], s)
		for j := range n {
			if j < len(s) {
				masks[i][j] = 1
			} else {
				tokens[i][j] = padID
			}
		}
	}

	return tokens, masks
}
