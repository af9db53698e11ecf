package metrics

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/kdiffusion/pkg/ml/train"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input, using reservoir sampling.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric from any ValueFn function.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, valueFn ValueFn, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			valueFn:    valueFn,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the default number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// WithSeed makes the sampling deterministic.
func (m *StreamingMedianMetric) WithSeed(seed uint64) *StreamingMedianMetric {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update implements metrics.Interface.
func (m *StreamingMedianMetric) Update(step train.StepMetrics) {
	m.UpdateValue(m.valueFn(step))
}

// UpdateValue adds one value to the stream.
func (m *StreamingMedianMetric) UpdateValue(x float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, m.maxNumSamples)
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		// We don't add new sample.
		return
	}
	// We replace the new sampled x in a random position.
	pos := m.rng.IntN(m.maxNumSamples)
	m.samples[pos] = x
}

// Value implements metrics.Interface. It returns NaN if no values were seen.
func (m *StreamingMedianMetric) Value() float64 {
	if len(m.samples) == 0 {
		return math.NaN()
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2]
}

// Reset deletes all samples seen so far.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
