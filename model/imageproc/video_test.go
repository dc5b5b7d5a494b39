package imageproc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"slices"
	"testing"
	"time"
)

func requireFFmpeg(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
}

// testVideo renders a synthetic clip with ffmpeg's lavfi test source.
func testVideo(t testing.TB, source string) []byte {
	t.Helper()
	requireFFmpeg(t)

	cmd := exec.Command("ffmpeg",
		"-f", "lavfi",
		"-i", source,
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
		"pipe:1",
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.Skipf("unable to create test video: %v", err)
	}

	if stdout.Len() == 0 {
		t.Fatal("generated video data is empty")
	}

	return stdout.Bytes()
}

func TestDefaultVideoConfig(t *testing.T) {
	config := DefaultVideoConfig()

	if config.FPS != 2.0 {
		t.Errorf("Expected FPS=2.0, got %f", config.FPS)
	}

	if config.Quality != 2 {
		t.Errorf("Expected Quality=2, got %d", config.Quality)
	}

	if config.MaxFrames != 0 {
		t.Errorf("Expected MaxFrames=0, got %d", config.MaxFrames)
	}

	if config.Timeout != 60*time.Second {
		t.Errorf("Expected Timeout=60s, got %v", config.Timeout)
	}
}

func TestFFmpegArgs(t *testing.T) {
	config := DefaultVideoConfig()
	config.MaxFrames = 8

	args := ffmpegArgs("in.mp4", "frame_%04d.jpg", config)

	for _, want := range []string{"-i", "in.mp4", "frame_%04d.jpg", "-y"} {
		if !slices.Contains(args, want) {
			t.Errorf("expected %q in %v", want, args)
		}
	}

	if i := slices.Index(args, "-frames:v"); i < 0 || args[i+1] != "8" {
		t.Errorf("expected frame limit in %v", args)
	}

	if i := slices.Index(args, "-q:v"); i < 0 || args[i+1] != "2" {
		t.Errorf("expected quality in %v", args)
	}

	config.MaxFrames = 0
	if slices.Contains(ffmpegArgs("in.mp4", "out.jpg", config), "-frames:v") {
		t.Error("unexpected frame limit when MaxFrames is 0")
	}
}

func TestExtractVideoFrames_EmptyData(t *testing.T) {
	frames, err := ExtractVideoFrames(context.Background(), []byte{}, DefaultVideoConfig())

	if !errors.Is(err, ErrEmptyVideo) {
		t.Errorf("expected ErrEmptyVideo, got %v", err)
	}

	if frames != nil {
		t.Errorf("Expected nil frames for empty data, got %d frames", len(frames))
	}
}

func TestExtractVideoFrames_InvalidData(t *testing.T) {
	requireFFmpeg(t)

	frames, err := ExtractVideoFrames(context.Background(), []byte("this is not a video"), DefaultVideoConfig())

	if err == nil {
		t.Error("Expected error for invalid video data, got nil")
	}

	if frames != nil {
		t.Errorf("Expected nil frames for invalid data, got %d frames", len(frames))
	}
}

func TestExtractVideoFrames_ValidVideo(t *testing.T) {
	videoData := testVideo(t, "testsrc=duration=2:size=320x240:rate=5")

	config := DefaultVideoConfig()
	config.TempDir = t.TempDir()

	frames, err := ExtractVideoFrames(context.Background(), videoData, config)
	if err != nil {
		t.Fatalf("ExtractVideoFrames failed: %v", err)
	}

	if len(frames) == 0 {
		t.Fatal("Expected at least 1 frame, got 0")
	}

	for i, frame := range frames {
		bounds := frame.Bounds()
		if bounds.Dx() != 320 || bounds.Dy() != 240 {
			t.Errorf("Frame %d has unexpected dimensions: %dx%d", i, bounds.Dx(), bounds.Dy())
		}
	}
}

func TestExtractVideoFrames_MaxFrames(t *testing.T) {
	videoData := testVideo(t, "testsrc=duration=3:size=320x240:rate=5")

	config := DefaultVideoConfig()
	config.FPS = 5.0
	config.MaxFrames = 3

	frames, err := ExtractVideoFrames(context.Background(), videoData, config)
	if err != nil {
		t.Fatalf("ExtractVideoFrames failed: %v", err)
	}

	if len(frames) > config.MaxFrames {
		t.Errorf("Expected at most %d frames, got %d", config.MaxFrames, len(frames))
	}
}

func TestExtractVideoFrames_Canceled(t *testing.T) {
	videoData := testVideo(t, "testsrc=duration=1:size=160x120:rate=5")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ExtractVideoFrames(ctx, videoData, DefaultVideoConfig()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func BenchmarkExtractVideoFrames(b *testing.B) {
	videoData := testVideo(b, "testsrc=duration=1:size=320x240:rate=5")
	config := DefaultVideoConfig()

	b.ResetTimer()

	for range b.N {
		if _, err := ExtractVideoFrames(context.Background(), videoData, config); err != nil {
			b.Fatalf("ExtractVideoFrames failed: %v", err)
		}
	}
}
