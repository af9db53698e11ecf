// Package images provides several functions to transform images back and
// forth from tensors, and to tile batches of images into a grid.
//
// Image tensors are channels-last: `[height, width, channels]` for a single image and
// `[batch_size, height, width, channels]` for a batch.
package images

import (
	"image"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
)

// ToTensorConfig holds the configuration returned by the ToTensor function. Once
// configured, use Single or Batch to actually convert.
type ToTensorConfig struct {
	channels         int
	minValue, maxVal float64
}

// ToTensor converts an image (or batch) to a tensor.
//
// By default, channel values are mapped to [0, 1]. Diffusion models are trained on [-1, 1], see ValueRange.
//
// It returns a configuration object that can be further configured. Once set, use Single or Batch
// methods to convert an image or a batch of images.
func ToTensor() *ToTensorConfig {
	return &ToTensorConfig{channels: 3, minValue: 0, maxVal: 1}
}

// WithAlpha configures ToTensorConfig object to include the alpha channel in the conversion,
// so the converted tensor will have 4 channels. The default is dropping the alpha channel.
func (tt *ToTensorConfig) WithAlpha() *ToTensorConfig {
	tt.channels = 4
	return tt
}

// ValueRange sets the values the darkest and brightest channel values are mapped to.
//
// It returns the ToTensorConfig object, so configuration calls can be cascaded.
func (tt *ToTensorConfig) ValueRange(minValue, maxValue float64) *ToTensorConfig {
	tt.minValue, tt.maxVal = minValue, maxValue
	return tt
}

// Single converts the given img to a tensor shaped `[height, width, channels]`.
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	t := tt.Batch([]image.Image{img})
	t.Dimensions = t.Dimensions[1:]
	return t
}

// Batch converts the given images to a tensor shaped `[batch_size, height, width, channels]`.
//
// It panics if the images don't all have the same size.
func (tt *ToTensorConfig) Batch(images []image.Image) *tensors.Tensor {
	if len(images) == 0 {
		exceptions.Panicf("images.ToTensor().Batch() requires at least one image")
	}
	imgSize := images[0].Bounds().Size()
	t := tensors.New(len(images), imgSize.Y, imgSize.X, tt.channels)
	scale := (tt.maxVal - tt.minValue) / float64(0xFFFF)
	pos := 0
	for imgIdx, img := range images {
		if !img.Bounds().Size().Eq(imgSize) {
			exceptions.Panicf("image[%d] has size %s, but image[0] has size %s -- they must all be the same",
				imgIdx, img.Bounds().Size(), imgSize)
		}
		minPt := img.Bounds().Min
		for y := 0; y < imgSize.Y; y++ {
			for x := 0; x < imgSize.X; x++ {
				// color.RGBA() returns 16 bits values packaged in uint32.
				r, g, b, a := img.At(minPt.X+x, minPt.Y+y).RGBA()
				channels := [4]uint32{r, g, b, a}
				for d := range tt.channels {
					t.Data[pos] = float32(tt.minValue + float64(channels[d])*scale)
					pos++
				}
			}
		}
	}
	return t
}

// ToImageConfig holds the configuration returned by the ToImage function. Once
// configured, use Single or Batch to actually convert a tensor to image(s).
type ToImageConfig struct {
	minValue, maxValue float64
}

// ToImage returns a configuration that can be used to convert tensors to *image.NRGBA images.
// Values are mapped from [0, 1] by default and clipped to the range, see ValueRange.
func ToImage() *ToImageConfig {
	return &ToImageConfig{minValue: 0, maxValue: 1}
}

// ValueRange sets the values that are mapped to the darkest and brightest channel values.
func (ti *ToImageConfig) ValueRange(minValue, maxValue float64) *ToImageConfig {
	ti.minValue, ti.maxValue = minValue, maxValue
	return ti
}

// Single converts the given tensor shaped as `[height, width, channels]` to an image.
func (ti *ToImageConfig) Single(t *tensors.Tensor) *image.NRGBA {
	if t.Rank() != 3 {
		exceptions.Panicf("images.ToImage().Single() requires a rank-3 tensor, got dimensions %v", t.Dimensions)
	}
	batch := tensors.FromFlatData(t.Data, append([]int{1}, t.Dimensions...)...)
	return ti.Batch(batch)[0]
}

// Batch converts the given tensor shaped as `[batch_size, height, width, channels]` to images.
func (ti *ToImageConfig) Batch(t *tensors.Tensor) []*image.NRGBA {
	if t.Rank() != 4 {
		exceptions.Panicf("images.ToImage().Batch() requires a rank-4 tensor, got dimensions %v", t.Dimensions)
	}
	numImages, height, width, channels := t.Dimensions[0], t.Dimensions[1], t.Dimensions[2], t.Dimensions[3]
	if channels != 1 && channels != 3 && channels != 4 {
		exceptions.Panicf("images.ToImage: tensor with dimensions %v has %d channels, only 1, 3 or 4 are supported",
			t.Dimensions, channels)
	}
	images := make([]*image.NRGBA, numImages)
	pos := 0
	for imageIdx := range numImages {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for h := range height {
			for w := range width {
				pix := img.Pix[h*img.Stride+w*4 : h*img.Stride+w*4+4]
				for d := range channels {
					pix[d] = ti.toUint8(t.Data[pos])
					pos++
				}
				if channels == 1 {
					pix[1], pix[2] = pix[0], pix[0]
				}
				if channels < 4 {
					pix[3] = 255 // Alpha channel.
				}
			}
		}
		images[imageIdx] = img
	}
	return images
}

func (ti *ToImageConfig) toUint8(v float32) uint8 {
	f := (float64(v) - ti.minValue) / (ti.maxValue - ti.minValue)
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return uint8(math.Round(255 * f))
}

// Grid tiles a batch of images shaped `[batch_size, height, width, channels]` into one image tensor shaped
// `[rows*(height+padding)+padding, numPerRow*(width+padding)+padding, channels]`, with `numPerRow` images per row.
// Padding pixels are set to padValue.
func Grid(batch *tensors.Tensor, numPerRow, padding int, padValue float32) *tensors.Tensor {
	if batch.Rank() != 4 {
		exceptions.Panicf("images.Grid requires a rank-4 tensor, got dimensions %v", batch.Dimensions)
	}
	numImages, height, width, channels := batch.Dimensions[0], batch.Dimensions[1], batch.Dimensions[2], batch.Dimensions[3]
	numPerRow = min(numPerRow, numImages)
	if numPerRow <= 0 {
		exceptions.Panicf("images.Grid requires at least one image and one image per row")
	}
	rows := (numImages + numPerRow - 1) / numPerRow
	gridHeight := rows*(height+padding) + padding
	gridWidth := numPerRow*(width+padding) + padding
	grid := tensors.New(gridHeight, gridWidth, channels)
	if padding > 0 {
		for ii := range grid.Data {
			grid.Data[ii] = padValue
		}
	}
	rowSize := width * channels
	for imgIdx := range numImages {
		row, col := imgIdx/numPerRow, imgIdx%numPerRow
		top := padding + row*(height+padding)
		left := padding + col*(width+padding)
		src := batch.Example(imgIdx)
		for h := range height {
			dstStart := ((top+h)*gridWidth + left) * channels
			copy(grid.Data[dstStart:dstStart+rowSize], src[h*rowSize:(h+1)*rowSize])
		}
	}
	return grid
}
