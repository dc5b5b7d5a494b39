package api

import (
	"time"

	"github.com/smdesai/vlm/model/input"
)

// ImageData is the raw bytes of an encoded image or video. It is sent as a
// base64 string in JSON.
type ImageData []byte

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProcessorOptions overrides the preprocessor configuration of the server
// for a single request. Zero values keep the server's setting.
type ProcessorOptions struct {
	ImageMean         []float32 `json:"image_mean,omitempty"`
	ImageStd          []float32 `json:"image_std,omitempty"`
	MinPixels         int       `json:"min_pixels,omitempty"`
	MaxPixels         int       `json:"max_pixels,omitempty"`
	MergeSize         int       `json:"merge_size,omitempty"`
	PatchSize         int       `json:"patch_size,omitempty"`
	TemporalPatchSize int       `json:"temporal_patch_size,omitempty"`
}

// ResizeRequest asks for the resampling target of an image.
type ResizeRequest struct {
	Height int `json:"height"`
	Width  int `json:"width"`

	Options *ProcessorOptions `json:"options,omitempty"`
}

// ResizeResponse is the resampling target, in pixels, together with the
// patch grid it produces for a single image.
type ResizeResponse struct {
	Height int        `json:"height"`
	Width  int        `json:"width"`
	Grid   input.Grid `json:"grid"`
	Tokens int        `json:"tokens"`
}

// PromptRequest renders a prompt for already known grids.
type PromptRequest struct {
	Messages []Message   `json:"messages"`
	Images   []input.Grid `json:"images,omitempty"`
	Videos   []input.Grid `json:"videos,omitempty"`

	Options *ProcessorOptions `json:"options,omitempty"`
}

type PromptResponse struct {
	Prompt string `json:"prompt"`
}

// PreprocessRequest carries encoded images and videos to be turned into
// model input.
type PreprocessRequest struct {
	Messages []Message   `json:"messages"`
	Images   []ImageData `json:"images,omitempty"`
	Videos   []ImageData `json:"videos,omitempty"`

	// Pixels requests the flattened patches in the response.
	Pixels bool `json:"pixels,omitempty"`

	Options *ProcessorOptions `json:"options,omitempty"`
}

// VisionResponse describes the patches of all images (or all videos) of a
// request.
type VisionResponse struct {
	Rows   int          `json:"rows"`
	Cols   int          `json:"cols"`
	Grids  []input.Grid `json:"grids"`
	Pixels []float32    `json:"pixels,omitempty"`
}

type PreprocessResponse struct {
	Prompt string          `json:"prompt"`
	Image  *VisionResponse `json:"image,omitempty"`
	Video  *VisionResponse `json:"video,omitempty"`

	// SkippedVideos lists the indexes of videos that could not be decoded.
	SkippedVideos []int `json:"skipped_videos,omitempty"`

	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// ModelResponse is one entry of the local model cache.
type ModelResponse struct {
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type ListResponse struct {
	Models []ModelResponse `json:"models"`
}

type DeleteRequest struct {
	Model string `json:"model"`
}
