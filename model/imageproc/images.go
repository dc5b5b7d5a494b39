package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// ResizeBicubic is the closest kernel to the bicubic resampling used when
// the Qwen-VL family was trained.
const ResizeBicubic = ResizeCatmullrom

var kernels = map[int]draw.Interpolator{
	ResizeBilinear:        draw.BiLinear,
	ResizeNearestNeighbor: draw.NearestNeighbor,
	ResizeApproxBilinear:  draw.ApproxBiLinear,
	ResizeCatmullrom:      draw.CatmullRom,
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over a background color.
func CompositeColor(img image.Image, color color.Color) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// Normalize returns a slice of float32 containing each of the r, g, b values for an image normalized around a value.
// With channelFirst the result is laid out as three planes (C x H x W), otherwise pixels are interleaved (H x W x C).
func Normalize(img image.Image, mean, std [3]float32, rescale bool, channelFirst bool) []float32 {
	bounds := img.Bounds()
	plane := bounds.Dx() * bounds.Dy()
	pixelVals := make([]float32, 3*plane)

	var i int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()

			var rVal, gVal, bVal float32
			if rescale {
				rVal = float32(r>>8) / 255.0
				gVal = float32(g>>8) / 255.0
				bVal = float32(b>>8) / 255.0
			} else {
				rVal = float32(r >> 8)
				gVal = float32(g >> 8)
				bVal = float32(b >> 8)
			}

			rVal = (rVal - mean[0]) / std[0]
			gVal = (gVal - mean[1]) / std[1]
			bVal = (bVal - mean[2]) / std[2]

			if channelFirst {
				pixelVals[i] = rVal
				pixelVals[plane+i] = gVal
				pixelVals[2*plane+i] = bVal
			} else {
				pixelVals[3*i] = rVal
				pixelVals[3*i+1] = gVal
				pixelVals[3*i+2] = bVal
			}
			i++
		}
	}

	return pixelVals
}

// ChannelStats returns the mean and standard deviation of every channel of
// a channel-first pixel buffer. Trailing values that do not fill a whole
// plane are ignored.
func ChannelStats(pixels []float32, channels int) (mean, std []float64) {
	if channels <= 0 {
		return nil, nil
	}

	plane := len(pixels) / channels
	mean = make([]float64, channels)
	std = make([]float64, channels)
	if plane == 0 {
		return mean, std
	}

	values := make([]float64, plane)
	for c := range channels {
		for i, v := range pixels[c*plane : (c+1)*plane] {
			values[i] = float64(v)
		}
		mean[c], std[c] = stat.PopMeanStdDev(values, nil)
	}

	return mean, std
}
