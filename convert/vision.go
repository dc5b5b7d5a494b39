package convert

import (
	"encoding/json"
	"fmt"

	"github.com/smdesai/vlm/model/input"
)

// VisionTensors names the patch matrices of processed input the way
// HuggingFace processors do. Grids are stored in the metadata as JSON since
// safetensors metadata only holds strings.
func VisionTensors(in *input.Input) ([]Tensor, map[string]string, error) {
	var tensors []Tensor
	metadata := map[string]string{"format": "pt"}

	for _, v := range []struct {
		name, grid string
		vision     *input.Vision
	}{
		{"pixel_values", "image_grid_thw", in.Image},
		{"pixel_values_videos", "video_grid_thw", in.Video},
	} {
		if v.vision == nil {
			continue
		}

		if v.vision.Rows*v.vision.Cols != len(v.vision.Pixels) {
			return nil, nil, fmt.Errorf("%s: %d values do not fill %d x %d", v.name, len(v.vision.Pixels), v.vision.Rows, v.vision.Cols)
		}

		tensors = append(tensors, Tensor{
			Name:  v.name,
			Shape: []uint64{uint64(v.vision.Rows), uint64(v.vision.Cols)},
			Data:  v.vision.Pixels,
		})

		grids := make([][3]int, len(v.vision.Grids))
		for i, g := range v.vision.Grids {
			grids[i] = [3]int{g.Temporal, g.Height, g.Width}
		}

		bts, err := json.Marshal(grids)
		if err != nil {
			return nil, nil, err
		}
		metadata[v.grid] = string(bts)
	}

	if len(in.Tokens) > 0 {
		bts, err := json.Marshal(in.Tokens)
		if err != nil {
			return nil, nil, err
		}
		metadata["input_ids"] = string(bts)
	}

	return tensors, metadata, nil
}
