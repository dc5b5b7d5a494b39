package qwenvl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/smdesai/vlm/model/imageproc"
	"github.com/smdesai/vlm/model/input"
)

var ErrInvalidConfig = errors.New("invalid preprocessor config")

// Config is the image processing configuration shared by the Qwen2-VL and
// Qwen2.5-VL model families. It is read-only once constructed.
type Config struct {
	ImageMean         []float32 `json:"image_mean"`
	ImageStd          []float32 `json:"image_std"`
	MinPixels         int       `json:"min_pixels"`
	MaxPixels         int       `json:"max_pixels"`
	MergeSize         int       `json:"merge_size"`
	PatchSize         int       `json:"patch_size"`
	TemporalPatchSize int       `json:"temporal_patch_size"`
}

// DefaultConfig returns the values published with Qwen2-VL.
func DefaultConfig() Config {
	return Config{
		ImageMean:         slices.Clone(imageproc.ClipDefaultMean[:]),
		ImageStd:          slices.Clone(imageproc.ClipDefaultSTD[:]),
		MinPixels:         56 * 56,
		MaxPixels:         28 * 28 * 1280,
		MergeSize:         2,
		PatchSize:         14,
		TemporalPatchSize: 2,
	}
}

// Factor is the edge length every resized image must be a multiple of.
func (c Config) Factor() int {
	return c.PatchSize * c.MergeSize
}

// MeanTuple groups the first three mean components.
func (c Config) MeanTuple() [3]float32 {
	return [3]float32{c.ImageMean[0], c.ImageMean[1], c.ImageMean[2]}
}

// StdTuple groups the first three std components.
func (c Config) StdTuple() [3]float32 {
	return [3]float32{c.ImageStd[0], c.ImageStd[1], c.ImageStd[2]}
}

// Validate reports whether the configuration can drive the processor.
func (c Config) Validate() error {
	switch {
	case len(c.ImageMean) < 3 || len(c.ImageStd) < 3:
		return fmt.Errorf("%w: image_mean and image_std need 3 components", ErrInvalidConfig)
	case c.PatchSize <= 0 || c.MergeSize <= 0 || c.TemporalPatchSize <= 0:
		return fmt.Errorf("%w: patch_size, merge_size and temporal_patch_size must be positive", ErrInvalidConfig)
	case c.MinPixels <= 0 || c.MaxPixels <= 0:
		return fmt.Errorf("%w: min_pixels and max_pixels must be positive", ErrInvalidConfig)
	case c.MinPixels > c.MaxPixels:
		return fmt.Errorf("%w: min_pixels %d exceeds max_pixels %d", ErrInvalidConfig, c.MinPixels, c.MaxPixels)
	}

	for _, s := range c.ImageStd[:3] {
		if s == 0 {
			return fmt.Errorf("%w: image_std must be non-zero", ErrInvalidConfig)
		}
	}

	return nil
}

// preprocessorConfig mirrors the fields of a HuggingFace
// preprocessor_config.json that matter to this processor. Newer releases
// moved the pixel budget into "size".
type preprocessorConfig struct {
	ImageMean         []float32 `mapstructure:"image_mean"`
	ImageStd          []float32 `mapstructure:"image_std"`
	MinPixels         int       `mapstructure:"min_pixels"`
	MaxPixels         int       `mapstructure:"max_pixels"`
	MergeSize         int       `mapstructure:"merge_size"`
	PatchSize         int       `mapstructure:"patch_size"`
	TemporalPatchSize int       `mapstructure:"temporal_patch_size"`

	Size struct {
		ShortestEdge int `mapstructure:"shortest_edge"`
		LongestEdge  int `mapstructure:"longest_edge"`
		MinPixels    int `mapstructure:"min_pixels"`
		MaxPixels    int `mapstructure:"max_pixels"`
	} `mapstructure:"size"`
}

// ParseConfig reads a preprocessor_config.json. Fields that are absent keep
// their DefaultConfig value.
func ParseConfig(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var raw preprocessorConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return Config{}, err
	}

	if err := decoder.Decode(m); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c := DefaultConfig()
	if len(raw.ImageMean) > 0 {
		c.ImageMean = raw.ImageMean
	}
	if len(raw.ImageStd) > 0 {
		c.ImageStd = raw.ImageStd
	}

	c.MinPixels = firstPositive(raw.MinPixels, raw.Size.MinPixels, raw.Size.ShortestEdge, c.MinPixels)
	c.MaxPixels = firstPositive(raw.MaxPixels, raw.Size.MaxPixels, raw.Size.LongestEdge, c.MaxPixels)
	c.MergeSize = firstPositive(raw.MergeSize, c.MergeSize)
	c.PatchSize = firstPositive(raw.PatchSize, c.PatchSize)
	c.TemporalPatchSize = firstPositive(raw.TemporalPatchSize, c.TemporalPatchSize)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// LoadConfig reads path, which is either a preprocessor_config.json or a
// model directory containing one.
func LoadConfig(path string) (Config, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "preprocessor_config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	return ParseConfig(data)
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// maxTemporalGrid bounds the temporal extent of a grid that was not
// produced by this processor.
const maxTemporalGrid = 1 << 12

// ValidateGrid checks a grid received from outside the processor. Besides
// positive dimensions it requires the spatial extent to be reachable by
// SmartResize under c and divisible into merge groups.
func (c Config) ValidateGrid(g input.Grid) error {
	if err := g.Validate(); err != nil {
		return err
	}

	maxPatches := c.MaxPixels / (c.PatchSize * c.PatchSize)
	switch {
	case g.Height > maxPatches || g.Width > maxPatches || g.Height*g.Width > maxPatches:
		return fmt.Errorf("%w: %dx%d patches exceed max_pixels %d", input.ErrInvalidGrid, g.Height, g.Width, c.MaxPixels)
	case g.Height%c.MergeSize != 0 || g.Width%c.MergeSize != 0:
		return fmt.Errorf("%w: %dx%d is not a multiple of merge_size %d", input.ErrInvalidGrid, g.Height, g.Width, c.MergeSize)
	case g.Temporal > maxTemporalGrid:
		return fmt.Errorf("%w: temporal size %d exceeds %d", input.ErrInvalidGrid, g.Temporal, maxTemporalGrid)
	}

	return nil
}
