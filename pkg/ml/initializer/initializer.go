// Package initializer provides initializers for model parameters.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/kdiffusion/pkg/ml/model"
)

// Initializer sets the initial values of a parameter.
type Initializer func(p *model.Parameter)

var (
	// Zero initializes parameters with zero.
	Zero Initializer = func(p *model.Parameter) {
		clear(p.Value)
	}

	// One initializes parameters with one.
	One Initializer = func(p *model.Parameter) {
		for ii := range p.Value {
			p.Value[ii] = 1
		}
	}
)

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func Normal(rng *rand.Rand, stddev float64) Initializer {
	return func(p *model.Parameter) {
		for ii := range p.Value {
			p.Value[ii] = float32(rng.NormFloat64() * stddev)
		}
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(rng *rand.Rand, minValue, maxValue float64) Initializer {
	return func(p *model.Parameter) {
		for ii := range p.Value {
			p.Value[ii] = float32(minValue + rng.Float64()*(maxValue-minValue))
		}
	}
}

// computeFanInFanOut of a parameter expected to be the weights of a dense layer, shaped `[fanIn, fanOut]`.
func computeFanInFanOut(dims []int) (fanIn, fanOut int) {
	switch len(dims) {
	case 0:
		return 1, 1
	case 1:
		return dims[0], dims[0]
	default:
		fanOut = dims[len(dims)-1]
		fanIn = 1
		for _, dim := range dims[:len(dims)-1] {
			fanIn *= dim
		}
		return
	}
}

// XavierUniform returns an initializer that generates random values with a uniform distribution with a range
// defined by +/- sqrt(6 / (fanIn+fanOut)).
// See paper and reasoning in https://paperswithcode.com/method/xavier-initialization
//
// It initializes biases (anything with rank <= 1) to zeros.
func XavierUniform(rng *rand.Rand) Initializer {
	return func(p *model.Parameter) {
		if len(p.Dimensions) <= 1 {
			clear(p.Value)
			return
		}
		fanIn, fanOut := computeFanInFanOut(p.Dimensions)
		limit := math.Sqrt(6.0 / max(1.0, float64(fanIn+fanOut)))
		Uniform(rng, -limit, limit)(p)
	}
}

// He returns the initializer that tries to preserve the variance of 1, calculated for the Relu-like
// activation functions: a normal distribution with stddev `sqrt(2/fanIn)`.
//
// It initializes biases (anything with rank <= 1) to zeros.
func He(rng *rand.Rand) Initializer {
	return func(p *model.Parameter) {
		if len(p.Dimensions) <= 1 {
			clear(p.Value)
			return
		}
		fanIn, _ := computeFanInFanOut(p.Dimensions)
		Normal(rng, math.Sqrt(2.0/float64(fanIn)))(p)
	}
}
