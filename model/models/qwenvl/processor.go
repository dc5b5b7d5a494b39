package qwenvl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"slices"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/smdesai/vlm/api"
	"github.com/smdesai/vlm/logutil"
	"github.com/smdesai/vlm/model/imageproc"
	"github.com/smdesai/vlm/model/input"
)

const numChannels = 3

var (
	ErrNoTextProcessor = errors.New("no text processor configured")
	ErrDecodeImage     = errors.New("failed to decode image")
)

// TextProcessor turns a rendered prompt into token ids. PrepareBatch calls
// Encode from several goroutines.
type TextProcessor interface {
	Encode(s string, addSpecial bool) ([]int32, error)
}

// FrameExtractor decodes an encoded video into sampled frames.
type FrameExtractor func(ctx context.Context, data []byte) ([]image.Image, error)

// Request is a chat turn together with the encoded media it refers to.
type Request struct {
	Messages []api.Message
	Images   [][]byte
	Videos   [][]byte
}

// Result is the output of Processor.Process.
type Result struct {
	Prompt string
	Image  *input.Vision
	Video  *input.Vision

	// SkippedVideos holds the request indexes of videos that could not be
	// decoded.
	SkippedVideos []int
}

// Processor prepares Qwen-VL model input. The zero value is not usable;
// construct one with New.
type Processor struct {
	config  Config
	text    TextProcessor
	extract FrameExtractor
}

type Option func(*Processor)

// WithTextProcessor sets the tokenizer used by Prepare.
func WithTextProcessor(tp TextProcessor) Option {
	return func(p *Processor) {
		p.text = tp
	}
}

// WithFrameExtractor replaces the ffmpeg based video decoder.
func WithFrameExtractor(fe FrameExtractor) Option {
	return func(p *Processor) {
		p.extract = fe
	}
}

// WithVideoConfig configures the default video decoder.
func WithVideoConfig(vc imageproc.VideoExtractionConfig) Option {
	return func(p *Processor) {
		p.extract = func(ctx context.Context, data []byte) ([]image.Image, error) {
			return imageproc.ExtractVideoFrames(ctx, data, vc)
		}
	}
}

func New(c Config, opts ...Option) (*Processor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	p := &Processor{config: c}
	WithVideoConfig(imageproc.DefaultVideoConfig())(p)
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

func (p *Processor) Config() Config {
	return p.config
}

// PreprocessImages resamples frames to the size resolved from the first
// frame, normalizes them and cuts them into patches. All frames are
// expected to share the dimensions of the first.
func (p *Processor) PreprocessImages(frames []image.Image) ([]float32, input.Grid, error) {
	if len(frames) == 0 {
		return nil, input.Grid{}, fmt.Errorf("%w: no frames", ErrInvalidFrames)
	}

	bounds := frames[0].Bounds()
	height, width, err := SmartResize(bounds.Dy(), bounds.Dx(), p.config.Factor(), p.config.MinPixels, p.config.MaxPixels)
	if err != nil {
		return nil, input.Grid{}, err
	}

	logutil.Trace("resize", "from", bounds.Size(), "height", height, "width", width)

	mean, std := p.config.MeanTuple(), p.config.StdTuple()
	normalized := make([][]float32, len(frames))
	for i, frame := range frames {
		img := imageproc.Composite(frame)
		img = imageproc.Resize(img, image.Point{X: width, Y: height}, imageproc.ResizeBicubic)
		normalized[i] = imageproc.Normalize(img, mean, std, true, true)
	}

	return Patchify(normalized, numChannels, height, width, p.config)
}

// Process decodes and preprocesses the media of r and renders its prompt.
// Videos that cannot be decoded are skipped and reported in the result;
// any other failure aborts the call.
func (p *Processor) Process(ctx context.Context, r Request) (*Result, error) {
	var result Result
	var imageGrids, videoGrids []input.Grid

	for i, data := range r.Images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w %d: %v", ErrDecodeImage, i, err)
		}

		pixels, grid, err := p.PreprocessImages([]image.Image{img})
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}

		result.Image = p.appendVision(result.Image, pixels, grid)
		imageGrids = append(imageGrids, grid)
	}

	for i, data := range r.Videos {
		frames, err := p.extract(ctx, data)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			slog.WarnContext(ctx, "skipping video", "index", i, "error", err)
			result.SkippedVideos = append(result.SkippedVideos, i)
			continue
		}

		pixels, grid, err := p.PreprocessImages(frames)
		if err != nil {
			return nil, fmt.Errorf("video %d: %w", i, err)
		}

		result.Video = p.appendVision(result.Video, pixels, grid)
		videoGrids = append(videoGrids, grid)
	}

	result.Prompt = Prompt(r.Messages, imageGrids, videoGrids, p.config.MergeSize)
	return &result, nil
}

func (p *Processor) appendVision(v *input.Vision, pixels []float32, grid input.Grid) *input.Vision {
	if v == nil {
		v = &input.Vision{Cols: p.config.PatchDim(numChannels)}
	}

	v.Pixels = append(v.Pixels, pixels...)
	v.Rows += grid.Product()
	v.Grids = append(v.Grids, grid)
	return v
}

// Prepare processes r and tokenizes the resulting prompt.
func (p *Processor) Prepare(ctx context.Context, r Request) (*input.Input, error) {
	if p.text == nil {
		return nil, ErrNoTextProcessor
	}

	start := time.Now()
	result, err := p.Process(ctx, r)
	if err != nil {
		return nil, err
	}

	tokens, err := p.text.Encode(result.Prompt, false)
	if err != nil {
		return nil, err
	}

	mask := slices.Repeat([]int8{1}, len(tokens))

	slog.DebugContext(ctx, "prepared input", "tokens", len(tokens), "images", len(r.Images), "videos", len(r.Videos)-len(result.SkippedVideos), "duration", time.Since(start))

	return &input.Input{
		Tokens: tokens,
		Mask:   mask,
		Image:  result.Image,
		Video:  result.Video,
	}, nil
}

// PrepareBatch prepares rs concurrently and pads their token sequences to a
// common length with padID. Padding positions are 0 in each mask.
func (p *Processor) PrepareBatch(ctx context.Context, rs []Request, padID int32) ([]*input.Input, error) {
	if p.text == nil {
		return nil, ErrNoTextProcessor
	}

	inputs := make([]*input.Input, len(rs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, r := range rs {
		g.Go(func() error {
			in, err := p.Prepare(ctx, r)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}

			inputs[i] = in
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	seqs := make([][]int32, len(inputs))
	for i, in := range inputs {
		seqs[i] = in.Tokens
	}

	tokens, masks := input.BatchTokens(seqs, padID, 0)
	for i, in := range inputs {
		in.Tokens, in.Mask = tokens[i], masks[i]
	}

	return inputs, nil
}
