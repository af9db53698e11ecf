// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pixelmlp implements a small trainable backbone for the diffusion Denoiser: a multi-layer perceptron
// applied independently to every pixel, whose input is the pixel's channels, its normalized (y, x) position
// and Fourier features of the noise level conditioning.
//
// It is not meant to produce state-of-the-art samples, but it is a real trainable function with exact
// gradients, fast enough to train on CPU, which is what the diffusion training loop needs.
package pixelmlp

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/kdiffusion/internal/workerspool"
	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/context"
	"github.com/gomlx/kdiffusion/pkg/ml/initializer"
	"github.com/gomlx/kdiffusion/pkg/ml/model"
)

const (
	// ParamBaseWidth is the context hyperparameter with the width of the first hidden layers.
	// The last two hidden layers have 2x and 4x this width.
	ParamBaseWidth = "pixelmlp_base_width"

	// ParamFourierFeatures is the context hyperparameter with the number of frequencies used to encode
	// the noise level conditioning. Each frequency generates a sine and a cosine feature.
	ParamFourierFeatures = "pixelmlp_fourier_features"

	// ParamSeed is the context hyperparameter with the seed used to initialize the weights.
	ParamSeed = "seed"

	// ParamImageSize is the context hyperparameter with the size of the images. It is not read by
	// ConfigFromContext: it's set by the training program, so it gets saved with the checkpoints, and
	// the backbone can be rebuilt from them, see ConfigFromParams.
	ParamImageSize = "image_size"
)

// Config of the backbone.
type Config struct {
	ImageSize, Channels int
	HiddenWidths        []int
	FourierFeatures     int
	Seed                uint64
}

// NumHiddenLayers for the given image size: `ceil(log2(size)) - 2`, with a minimum of 2.
func NumHiddenLayers(imageSize int) int {
	n := int(math.Ceil(math.Log2(float64(imageSize)))) - 2
	return max(n, 2)
}

// HiddenWidths returns `[baseWidth]*(n-2) + [2*baseWidth, 4*baseWidth]` for n = NumHiddenLayers(imageSize).
func HiddenWidths(imageSize, baseWidth int) []int {
	n := NumHiddenLayers(imageSize)
	widths := make([]int, 0, n)
	for range n - 2 {
		widths = append(widths, baseWidth)
	}
	return append(widths, 2*baseWidth, 4*baseWidth)
}

// ConfigFromContext creates the Config for images of the given size and number of channels, reading
// the hyperparameters from the context.
func ConfigFromContext(ctx *context.Context, imageSize, channels int) Config {
	baseWidth := context.GetParamOr(ctx, ParamBaseWidth, 32)
	return Config{
		ImageSize:       imageSize,
		Channels:        channels,
		HiddenWidths:    HiddenWidths(imageSize, baseWidth),
		FourierFeatures: context.GetParamOr(ctx, ParamFourierFeatures, 8),
		Seed:            uint64(context.GetParamOr(ctx, ParamSeed, 42)),
	}
}

// ConfigFromParams creates the Config from the hyperparameters saved in a checkpoint, which must
// include ParamImageSize.
func ConfigFromParams(params map[string]any, channels int) (Config, error) {
	ctx := context.New()
	ctx.LoadParamsMap(params)
	imageSize := context.GetParamOr(ctx, ParamImageSize, 0)
	if imageSize <= 0 {
		return Config{}, errors.Errorf("pixelmlp: hyperparameter %q missing or invalid (%d) in the saved parameters",
			ParamImageSize, imageSize)
	}
	return ConfigFromContext(ctx, imageSize, channels), nil
}

type dense struct {
	weights, biases *model.Parameter
	in, out         int
}

// apply computes z = input·W + b for numPixels rows.
func (l *dense) apply(input []float32, numPixels int) []float32 {
	z := make([]float32, numPixels*l.out)
	w := l.weights.Value
	for p := range numPixels {
		zRow := z[p*l.out : (p+1)*l.out]
		copy(zRow, l.biases.Value)
		inRow := input[p*l.in : (p+1)*l.in]
		for i, a := range inRow {
			if a == 0 {
				continue
			}
			wRow := w[i*l.out : (i+1)*l.out]
			for o, wv := range wRow {
				zRow[o] += a * wv
			}
		}
	}
	return z
}

// Backbone is a per-pixel MLP. It implements model.Backbone.
type Backbone struct {
	cfg    Config
	layers []*dense
	freqs  []float64
	pool   *workerspool.Pool
}

var _ model.Backbone = (*Backbone)(nil)
var _ model.Cloner = (*Backbone)(nil)

// New creates a backbone with freshly initialized weights. Two backbones created with the same Config
// have identical weights.
func New(cfg Config) *Backbone {
	if cfg.Channels <= 0 || cfg.ImageSize <= 0 || len(cfg.HiddenWidths) == 0 {
		exceptions.Panicf("pixelmlp.New: invalid config %+v", cfg)
	}
	b := &Backbone{cfg: cfg, pool: workerspool.New()}
	b.freqs = make([]float64, cfg.FourierFeatures)
	for k := range b.freqs {
		b.freqs[k] = math.Pi * math.Pow(2, float64(k)/2)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	// He for the layers followed by a SiLU, Xavier for the output layer.
	hiddenInit, outputInit := initializer.He(rng), initializer.XavierUniform(rng)
	in := b.inputDim()
	widths := append(append([]int(nil), cfg.HiddenWidths...), cfg.Channels)
	for ii, out := range widths {
		l := &dense{
			weights: model.NewParameter(fmt.Sprintf("pixelmlp/dense_%d/weights", ii), in, out),
			biases:  model.NewParameter(fmt.Sprintf("pixelmlp/dense_%d/biases", ii), out),
			in:      in,
			out:     out,
		}
		init := hiddenInit
		if ii == len(widths)-1 {
			init = outputInit
		}
		init(l.weights)
		init(l.biases)
		b.layers = append(b.layers, l)
		in = out
	}
	return b
}

// Config returns the configuration used to create the backbone.
func (b *Backbone) Config() Config { return b.cfg }

func (b *Backbone) inputDim() int {
	return b.cfg.Channels + 3 + 2*b.cfg.FourierFeatures
}

// Parameters implements model.Backbone.
func (b *Backbone) Parameters() []*model.Parameter {
	params := make([]*model.Parameter, 0, 2*len(b.layers))
	for _, l := range b.layers {
		params = append(params, l.weights, l.biases)
	}
	return params
}

// Clone implements model.Cloner.
func (b *Backbone) Clone() model.Backbone {
	cloned := New(b.cfg)
	if err := model.CopyValues(cloned.Parameters(), b.Parameters()); err != nil {
		exceptions.Panicf("pixelmlp.Clone: %+v", err)
	}
	return cloned
}

// features builds the per-pixel input rows for one example.
func (b *Backbone) features(pixels []float32, cond float32, height, width int) []float32 {
	inDim := b.inputDim()
	channels := b.cfg.Channels
	condFeatures := make([]float32, 1+2*len(b.freqs))
	condFeatures[0] = cond
	for k, f := range b.freqs {
		s, c := math.Sincos(f * float64(cond))
		condFeatures[1+2*k] = float32(s)
		condFeatures[2+2*k] = float32(c)
	}
	out := make([]float32, height*width*inDim)
	for y := range height {
		fy := float32(2*(float64(y)+0.5)/float64(height) - 1)
		for x := range width {
			fx := float32(2*(float64(x)+0.5)/float64(width) - 1)
			p := y*width + x
			row := out[p*inDim : (p+1)*inDim]
			copy(row, pixels[p*channels:(p+1)*channels])
			row[channels] = fy
			row[channels+1] = fx
			copy(row[channels+2:], condFeatures)
		}
	}
	return out
}

func sigmoid(z float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(z))))
}

// Forward implements model.Backbone.
func (b *Backbone) Forward(x *tensors.Tensor, cond []float32) (*tensors.Tensor, model.BackwardFn) {
	if x.Rank() != 4 || x.Dimensions[3] != b.cfg.Channels {
		exceptions.Panicf("pixelmlp.Forward: expected images shaped [batch, height, width, %d], got %v",
			b.cfg.Channels, x.Dimensions)
	}
	batchSize, height, width := x.Dimensions[0], x.Dimensions[1], x.Dimensions[2]
	if len(cond) != batchSize {
		exceptions.Panicf("pixelmlp.Forward: %d conditioning values for a batch of %d", len(cond), batchSize)
	}
	numPixels := height * width
	numLayers := len(b.layers)

	// inputs[ex][li] is the input to layer li, preActs[ex][li] the pre-activation of hidden layer li.
	inputs := make([][][]float32, batchSize)
	preActs := make([][][]float32, batchSize)
	y := tensors.ZerosLike(x)
	b.pool.ParallelFor(batchSize, func(ex int) {
		cur := b.features(x.Example(ex), cond[ex], height, width)
		inputs[ex] = make([][]float32, numLayers)
		preActs[ex] = make([][]float32, numLayers-1)
		for li, l := range b.layers {
			inputs[ex][li] = cur
			z := l.apply(cur, numPixels)
			if li == numLayers-1 {
				copy(y.Example(ex), z)
				break
			}
			preActs[ex][li] = z
			act := make([]float32, len(z))
			for ii, v := range z {
				act[ii] = v * sigmoid(v) // SiLU
			}
			cur = act
		}
	})

	backward := func(outputGrad *tensors.Tensor) {
		if !tensors.SameShape(outputGrad, y) {
			exceptions.Panicf("pixelmlp backward: gradient dimensions %v don't match output %v",
				outputGrad.Dimensions, y.Dimensions)
		}
		type shardGrads struct{ weights, biases [][]float32 }
		numShards := b.pool.MaxParallelism()
		if numShards <= 0 {
			numShards = batchSize
		}
		numShards = min(numShards, batchSize)
		shards := make([]shardGrads, numShards)
		numShards = b.pool.Shards(batchSize, numShards, func(shard, start, end int) {
			g := shardGrads{weights: make([][]float32, numLayers), biases: make([][]float32, numLayers)}
			for li, l := range b.layers {
				g.weights[li] = make([]float32, l.in*l.out)
				g.biases[li] = make([]float32, l.out)
			}
			for ex := start; ex < end; ex++ {
				b.backwardExample(outputGrad.Example(ex), inputs[ex], preActs[ex], numPixels, g.weights, g.biases)
			}
			shards[shard] = g
		})
		for _, g := range shards[:numShards] {
			for li, l := range b.layers {
				for ii, v := range g.weights[li] {
					l.weights.Grad[ii] += v
				}
				for ii, v := range g.biases[li] {
					l.biases.Grad[ii] += v
				}
			}
		}
	}
	return y, backward
}

// backwardExample back-propagates the output gradient of one example, accumulating into gradW and gradB.
func (b *Backbone) backwardExample(outGrad []float32, inputs, preActs [][]float32, numPixels int,
	gradW, gradB [][]float32) {
	delta := outGrad
	for li := len(b.layers) - 1; li >= 0; li-- {
		l := b.layers[li]
		input := inputs[li]
		gw, gb := gradW[li], gradB[li]
		w := l.weights.Value
		var dIn []float32
		if li > 0 {
			dIn = make([]float32, numPixels*l.in)
		}
		for p := range numPixels {
			dRow := delta[p*l.out : (p+1)*l.out]
			inRow := input[p*l.in : (p+1)*l.in]
			for o, d := range dRow {
				gb[o] += d
			}
			for i, a := range inRow {
				wRow := w[i*l.out : (i+1)*l.out]
				gwRow := gw[i*l.out : (i+1)*l.out]
				var sum float32
				for o, d := range dRow {
					gwRow[o] += a * d
					sum += d * wRow[o]
				}
				if dIn != nil {
					dIn[p*l.in+i] = sum
				}
			}
		}
		if li == 0 {
			break
		}
		// Through the SiLU of the previous layer.
		z := preActs[li-1]
		for ii, v := range z {
			s := sigmoid(v)
			dIn[ii] *= s * (1 + v*(1-s))
		}
		delta = dIn
	}
}
