package images

import (
	"image"
	"testing"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorToFromImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	require.Len(t, img.Pix, 6*4)
	copy(img.Pix, []uint8{
		0, 0, 0, 255,
		3, 3, 3, 255,
		5, 5, 5, 255,
		10, 10, 10, 255,
		30, 30, 30, 255,
		255, 255, 255, 255})

	for _, valueRange := range [][2]float64{{0, 1}, {-1, 1}} {
		tensor := ToTensor().ValueRange(valueRange[0], valueRange[1]).Single(img)
		require.Equal(t, []int{2, 3, 3}, tensor.Dimensions)
		assert.InDelta(t, valueRange[0], tensor.Data[0], 1e-6)
		assert.InDelta(t, valueRange[1], tensor.Data[len(tensor.Data)-1], 1e-6)

		converted := ToImage().ValueRange(valueRange[0], valueRange[1]).Single(tensor)
		require.Equal(t, img.Bounds(), converted.Bounds())
		assert.Equal(t, img.Pix, converted.Pix)
	}

	withAlpha := ToTensor().WithAlpha().Batch([]image.Image{img, img})
	assert.Equal(t, []int{2, 2, 3, 4}, withAlpha.Dimensions)
}

func TestToImageClips(t *testing.T) {
	x := tensors.FromFlatData([]float32{-3, 0, 3}, 1, 1, 1, 3)
	img := ToImage().ValueRange(-1, 1).Batch(x)[0]
	assert.Equal(t, []uint8{0, 128, 255, 255}, img.Pix)
}

func TestGrid(t *testing.T) {
	// 3 images of 1x2 pixels, 1 channel, 2 per row.
	batch := tensors.FromFlatData([]float32{1, 1, 2, 2, 3, 3}, 3, 1, 2, 1)
	grid := Grid(batch, 2, 0, 0)
	require.Equal(t, []int{2, 4, 1}, grid.Dimensions)
	assert.Equal(t, []float32{1, 1, 2, 2, 3, 3, 0, 0}, grid.Data)

	padded := Grid(batch.BatchSlice(0, 1), 4, 1, -1)
	require.Equal(t, []int{3, 4, 1}, padded.Dimensions)
	assert.Equal(t, []float32{-1, -1, -1, -1, -1, 1, 1, -1, -1, -1, -1, -1}, padded.Data)
}
