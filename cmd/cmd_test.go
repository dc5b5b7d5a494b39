package cmd

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smdesai/vlm/api"
	"github.com/smdesai/vlm/convert"
	"github.com/smdesai/vlm/model/input"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetContext(t.Context())
	cmd.SetOut(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func writePNG(t *testing.T, dir, name string, width, height int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 128, 255})
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, png.Encode(f, img))
	return path
}

func TestResizeHandler(t *testing.T) {
	out, err := run(t, "resize", "1000", "500")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"HEIGHT", "WIDTH", "GRID", "PATCHES", "TOKENS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"1008", "504", "1x72x36", "2.59K", "648"}, strings.Fields(lines[1]))
}

func TestResizeHandlerErrors(t *testing.T) {
	cases := map[string][]string{
		"not a number":  {"resize", "abc", "100"},
		"zero":          {"resize", "100", "0"},
		"too small":     {"resize", "10", "100"},
		"aspect ratio":  {"resize", "28", "28000"},
		"bad max":       {"resize", "100", "100", "--min-pixels", "5000", "--max-pixels", "4000"},
		"missing width": {"resize", "100"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestResizeHandlerConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "preprocessor_config.json"), []byte(`{"min_pixels": 3136, "max_pixels": 20000, "patch_size": 14, "merge_size": 2, "temporal_patch_size": 2}`), 0o644))

	out, err := run(t, "resize", "1000", "1000", "--config", dir)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"140", "140", "1x10x10", "100", "25"}, strings.Fields(lines[1]))
}

func TestParseGrid(t *testing.T) {
	g, err := parseGrid("2x4X6")
	require.NoError(t, err)
	assert.Equal(t, input.Grid{Temporal: 2, Height: 4, Width: 6}, g)

	for _, s := range []string{"", "1x2", "1x2x3x4", "1xax3", "0x2x2", "-1x2x2"} {
		_, err := parseGrid(s)
		assert.Error(t, err, s)
	}
}

func TestPromptHandler(t *testing.T) {
	out, err := run(t, "prompt", "What is this?", "--image", "1x4x4", "--video", "2x2x2", "--system", "Be brief.")
	require.NoError(t, err)

	expect := "<|im_start|>system\nBe brief.<|im_end|>\n" +
		"<|im_start|>user\nWhat is this?" +
		"<|vision_start|>" + strings.Repeat("<|image_pad|>", 4) + "<|vision_end|>" +
		"<|vision_start|>" + strings.Repeat("<|video_pad|>", 2) + "<|vision_end|>" +
		"<|im_end|>\n<|im_start|>assistant\n\n"

	if diff := cmp.Diff(expect, out); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestPromptHandlerDefaults(t *testing.T) {
	out, err := run(t, "prompt")
	require.NoError(t, err)

	expect := "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n" +
		"<|im_start|>user\n<|im_end|>\n<|im_start|>assistant\n\n"
	assert.Equal(t, expect, out)

	for _, grid := range []string{"4x4", "1x3x4", "1x200x200"} {
		_, err = run(t, "prompt", "--image", grid)
		assert.Error(t, err, grid)
	}
}

func TestPreprocessHandler(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png", 64, 64)
	b := writePNG(t, dir, "b.png", 64, 120)
	output := filepath.Join(dir, "out.safetensors")

	out, err := run(t, "preprocess", a, b, "-m", "Compare these.", "-o", output, "--dtype", "bf16", "--stats")
	require.NoError(t, err)

	assert.Contains(t, out, "<|im_start|>user\nCompare these.<|vision_start|>")
	assert.Equal(t, 4+8, strings.Count(out, "<|image_pad|>"))
	assert.Contains(t, out, "1x4x4")
	assert.Contains(t, out, "1x8x4")

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()

	tensors, metadata, err := convert.ReadSafetensors(f)
	require.NoError(t, err)
	require.Len(t, tensors, 1)

	assert.Equal(t, "pixel_values", tensors[0].Name)
	assert.Equal(t, []uint64{16 + 32, 3 * 2 * 14 * 14}, tensors[0].Shape)
	assert.Equal(t, "[[1,4,4],[1,8,4]]", metadata["image_grid_thw"])
	assert.NotContains(t, metadata, "video_grid_thw")
}

func TestPreprocessHandlerErrors(t *testing.T) {
	dir := t.TempDir()
	img := writePNG(t, dir, "a.png", 64, 64)

	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))

	cases := map[string][]string{
		"no input":    {"preprocess"},
		"missing":     {"preprocess", filepath.Join(dir, "missing.png")},
		"bad image":   {"preprocess", bad},
		"bad dtype":   {"preprocess", img, "--dtype", "int8"},
		"too small":   {"preprocess", writePNG(t, dir, "small.png", 10, 10)},
		"bad model":   {"preprocess", img, "--model", "../escape"},
		"both config": {"preprocess", img, "--model", "a/b", "--config", dir},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestChannelPlanes(t *testing.T) {
	v := &input.Vision{
		Rows:   2,
		Cols:   6,
		Pixels: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}

	expect := []float32{1, 2, 7, 8, 3, 4, 9, 10, 5, 6, 11, 12}
	if diff := cmp.Diff(expect, channelPlanes(v, 3)); diff != "" {
		t.Errorf("unexpected planes (-want +got):\n%s", diff)
	}
}

func TestListHandler(t *testing.T) {
	modified := time.Now().Add(-2 * time.Hour)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(api.ListResponse{
			Models: []api.ModelResponse{
				{Name: "Qwen2-VL-2B-Instruct", Model: "Qwen/Qwen2-VL-2B-Instruct", Size: 4_400_000_000, ModifiedAt: modified},
				{Name: "Qwen2.5-VL-3B-Instruct-4bit", Model: "mlx-community/Qwen2.5-VL-3B-Instruct-4bit", Size: 3_100_000, ModifiedAt: modified},
			},
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	t.Setenv("VLM_HOST", mockServer.URL)
	t.Cleanup(mockServer.Close)

	t.Run("all", func(t *testing.T) {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetContext(t.Context())
		cmd.SetOut(&out)

		require.NoError(t, ListHandler(cmd, nil))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, []string{"NAME", "SIZE", "MODIFIED"}, strings.Fields(lines[0]))
		assert.Equal(t, []string{"Qwen/Qwen2-VL-2B-Instruct", "4.4", "GB", "2", "hours", "ago"}, strings.Fields(lines[1]))
		assert.Equal(t, []string{"mlx-community/Qwen2.5-VL-3B-Instruct-4bit", "3.1", "MB", "2", "hours", "ago"}, strings.Fields(lines[2]))
	})

	t.Run("prefix", func(t *testing.T) {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetContext(t.Context())
		cmd.SetOut(&out)

		require.NoError(t, ListHandler(cmd, []string{"MLX-"}))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[1], "mlx-community/"))
	})
}

func TestDeleteHandler(t *testing.T) {
	var deleted []string
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" || r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}

		var req api.DeleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Model != "Qwen/Qwen2-VL-2B-Instruct" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "model '" + req.Model + "' not found"})
			return
		}

		deleted = append(deleted, req.Model)
		w.WriteHeader(http.StatusOK)
	}))

	t.Setenv("VLM_HOST", mockServer.URL)
	t.Cleanup(mockServer.Close)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	cmd.SetOut(&out)

	require.NoError(t, DeleteHandler(cmd, []string{"Qwen/Qwen2-VL-2B-Instruct"}))
	assert.Equal(t, "deleted 'Qwen/Qwen2-VL-2B-Instruct'\n", out.String())
	assert.Equal(t, []string{"Qwen/Qwen2-VL-2B-Instruct"}, deleted)

	err := DeleteHandler(cmd, []string{"Qwen/missing"})
	if err == nil || !strings.Contains(err.Error(), "model 'Qwen/missing' not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
