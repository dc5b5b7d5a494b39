package qwenvl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smdesai/vlm/model/imageproc"
	"github.com/smdesai/vlm/model/input"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}

	if c.Factor() != 28 {
		t.Errorf("expected factor 28, got %d", c.Factor())
	}

	if c.MeanTuple() != imageproc.ClipDefaultMean || c.StdTuple() != imageproc.ClipDefaultSTD {
		t.Errorf("unexpected mean/std %v %v", c.MeanTuple(), c.StdTuple())
	}

	c.ImageMean[0] = 0
	if imageproc.ClipDefaultMean[0] == 0 {
		t.Error("DefaultConfig shares its mean with imageproc")
	}
}

func TestParseConfig(t *testing.T) {
	cases := []struct {
		name     string
		data     string
		expected func(*Config)
	}{
		{
			name: "qwen2-vl",
			data: `{
  "min_pixels": 3136,
  "max_pixels": 12845056,
  "patch_size": 14,
  "temporal_patch_size": 2,
  "merge_size": 2,
  "image_mean": [0.48145466, 0.4578275, 0.40821073],
  "image_std": [0.26862954, 0.26130258, 0.27577711],
  "image_processor_type": "Qwen2VLImageProcessor",
  "processor_class": "Qwen2VLProcessor"
}`,
			expected: func(c *Config) {
				c.MaxPixels = 12845056
			},
		},
		{
			name: "size layout",
			data: `{
  "size": {"shortest_edge": 3136, "longest_edge": 1003520},
  "patch_size": 16,
  "merge_size": 2,
  "image_mean": [0.5, 0.5, 0.5],
  "image_std": [0.5, 0.5, 0.5]
}`,
			expected: func(c *Config) {
				c.PatchSize = 16
				c.ImageMean = []float32{0.5, 0.5, 0.5}
				c.ImageStd = []float32{0.5, 0.5, 0.5}
			},
		},
		{
			name: "weak types",
			data: `{"patch_size": "14", "merge_size": 2.0, "max_pixels": "602112"}`,
			expected: func(c *Config) {
				c.MaxPixels = 602112
			},
		},
		{
			name:     "empty",
			data:     `{}`,
			expected: func(*Config) {},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfig([]byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}

			want := DefaultConfig()
			tt.expected(&want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"short mean":    `{"image_mean": [0.5, 0.5]}`,
		"zero std":      `{"image_std": [0.5, 0, 0.5]}`,
		"min above max": `{"min_pixels": 1000, "max_pixels": 100}`,
		"bad type":      `{"patch_size": "fourteen"}`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(data)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preprocessor_config.json")
	if err := os.WriteFile(path, []byte(`{"max_pixels": 200704}`), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{dir, path} {
		c, err := LoadConfig(p)
		if err != nil {
			t.Fatal(err)
		}

		if c.MaxPixels != 200704 {
			t.Errorf("%s: expected max_pixels 200704, got %d", p, c.MaxPixels)
		}
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not exist, got %v", err)
	}
}

func TestValidateGrid(t *testing.T) {
	c := DefaultConfig()

	for _, g := range []input.Grid{
		{Temporal: 1, Height: 4, Width: 4},
		{Temporal: 2, Height: 72, Width: 36},
		{Temporal: 4096, Height: 2, Width: 2},
		{Temporal: 1, Height: 2, Width: 2560},
	} {
		if err := c.ValidateGrid(g); err != nil {
			t.Errorf("%+v: unexpected error: %v", g, err)
		}
	}

	for name, g := range map[string]input.Grid{
		"negative height":  {Temporal: 1, Height: -4, Width: 4},
		"zero temporal":    {Temporal: 0, Height: 4, Width: 4},
		"odd width":        {Temporal: 1, Height: 4, Width: 3},
		"too many patches": {Temporal: 1, Height: 100, Width: 100},
		"wide":             {Temporal: 1, Height: 2, Width: 5122},
		"overflow":         {Temporal: 1, Height: 1 << 62, Width: 1 << 62},
		"long":             {Temporal: 4097, Height: 2, Width: 2},
	} {
		t.Run(name, func(t *testing.T) {
			if err := c.ValidateGrid(g); !errors.Is(err, input.ErrInvalidGrid) {
				t.Errorf("expected ErrInvalidGrid, got %v", err)
			}
		})
	}
}
