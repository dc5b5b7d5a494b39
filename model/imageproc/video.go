package imageproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

var (
	ErrEmptyVideo      = errors.New("video data is empty")
	ErrFFmpegNotFound  = errors.New("video support unavailable: ffmpeg not found in PATH")
	ErrNoFramesDecoded = errors.New("no frames extracted from video (video may be corrupted or unsupported format)")
)

// VideoExtractionConfig holds configuration for video frame extraction
type VideoExtractionConfig struct {
	// FPS specifies the frame rate for extraction (e.g., 2.0 = 2 frames per second)
	FPS float64

	// Quality specifies JPEG quality for extracted frames (1-31, lower is better, 2 is high quality)
	Quality int

	// MaxFrames limits the maximum number of frames to extract (0 = no limit)
	MaxFrames int

	// Timeout specifies the maximum time allowed for ffmpeg extraction
	Timeout time.Duration

	// TempDir is where intermediate frames are written. Empty uses the system default.
	TempDir string
}

// DefaultVideoConfig returns the sampling used by Qwen-VL: two frames per second.
func DefaultVideoConfig() VideoExtractionConfig {
	return VideoExtractionConfig{
		FPS:       2.0,
		Quality:   2,
		MaxFrames: 0,
		Timeout:   60 * time.Second,
	}
}

// ffmpegArgs builds the command line that samples videoPath into numbered
// JPEG frames matching framePattern.
func ffmpegArgs(videoPath, framePattern string, config VideoExtractionConfig) []string {
	output := ffmpeg.KwArgs{
		"vsync": "0",
		"q:v":   strconv.Itoa(config.Quality),
	}
	if config.MaxFrames > 0 {
		output["frames:v"] = strconv.Itoa(config.MaxFrames)
	}

	return ffmpeg.Input(videoPath).
		Filter("fps", ffmpeg.Args{strconv.FormatFloat(config.FPS, 'f', 2, 64)}).
		Output(framePattern, output).
		OverWriteOutput().
		GetArgs()
}

// ExtractVideoFrames decodes videoData and samples it into frames at
// config.FPS using the system ffmpeg binary.
//
// Example:
//
//	config := imageproc.DefaultVideoConfig()
//	config.FPS = 1.0
//	frames, err := imageproc.ExtractVideoFrames(ctx, videoData, config)
func ExtractVideoFrames(ctx context.Context, videoData []byte, config VideoExtractionConfig) ([]image.Image, error) {
	if len(videoData) == 0 {
		return nil, ErrEmptyVideo
	}

	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, ErrFFmpegNotFound
	}

	if config.FPS <= 0 {
		config.FPS = DefaultVideoConfig().FPS
	}
	if config.Quality <= 0 {
		config.Quality = DefaultVideoConfig().Quality
	}

	tempDir, err := os.MkdirTemp(config.TempDir, "vlm-video-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	videoPath := filepath.Join(tempDir, "input")
	if err := os.WriteFile(videoPath, videoData, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write video file: %w", err)
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	framePattern := filepath.Join(tempDir, "frame_%04d.jpg")
	cmd := exec.CommandContext(ctx, bin, ffmpegArgs(videoPath, framePattern, config)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ffmpeg extraction aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("ffmpeg extraction failed: %w (stderr: %s)", err, stderr.String())
	}

	frameFiles, err := filepath.Glob(filepath.Join(tempDir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted frame files: %w", err)
	}

	if len(frameFiles) == 0 {
		return nil, ErrNoFramesDecoded
	}

	frames := make([]image.Image, 0, len(frameFiles))
	for _, framePath := range frameFiles {
		frameData, err := os.ReadFile(framePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %s: %w", framePath, err)
		}

		img, _, err := image.Decode(bytes.NewReader(frameData))
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame %s: %w", framePath, err)
		}

		frames = append(frames, img)
	}

	slog.Debug("extracted video frames", "frames", len(frames), "fps", config.FPS, "duration", time.Since(start))
	return frames, nil
}
