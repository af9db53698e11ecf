/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package metrics holds running metrics computed from the values reported by each training step
// (e.g. the loss), used for display in progress bars and for tracking.
package metrics

import (
	"fmt"
	"math"

	"github.com/gomlx/kdiffusion/pkg/ml/train"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Loss" and "Batch-Loss" would both have the same "loss" metric type.
	MetricType() string

	// Update the metric with the metrics of a training step.
	Update(step train.StepMetrics)

	// Value returns the current value of the metric, NaN if it hasn't seen any values yet.
	Value() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters.
	Reset()
}

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same  type in the same plot.
	LossMetricType = "loss"

	// LearningRateMetricType is the type of the learning rate metrics.
	LearningRateMetricType = "learning_rate"

	// EMADecayMetricType is the type of the EMA decay metrics.
	EMADecayMetricType = "ema_decay"

	// GNSMetricType is the type of the gradient noise scale metrics.
	GNSMetricType = "gradient_noise_scale"
)

// ValueFn extracts the value of a metric from the metrics of a training step.
type ValueFn func(step train.StepMetrics) float64

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// Loss, LearningRate, EMADecay and GNS are ValueFn for the corresponding fields of train.StepMetrics.
func Loss(step train.StepMetrics) float64         { return step.Loss }
func LearningRate(step train.StepMetrics) float64 { return step.LearningRate }
func EMADecay(step train.StepMetrics) float64     { return step.EMADecay }
func GNS(step train.StepMetrics) float64          { return step.GNS }

// baseMetric implements a stateless metric.Interface: its value is the one of the last step.
type baseMetric struct {
	name, shortName, metricType string
	valueFn                     ValueFn
	pPrintFn                    PrettyPrintFn // if nil will display default.
	last                        float64
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

func (m *baseMetric) Update(step train.StepMetrics) {
	m.last = m.valueFn(step)
}

func (m *baseMetric) Value() float64 {
	return m.last
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value)
	}
	return m.pPrintFn(value)
}

func (m *baseMetric) Reset() { m.last = math.NaN() }

// NewBaseMetric creates a stateless metric from any ValueFn function, it will return the metric
// of the last step.
// pPrintFn can be left as nil, and a default will be used.
func NewBaseMetric(name, shortName, metricType string, valueFn ValueFn, pPrintFn PrettyPrintFn) Interface {
	return &baseMetric{
		name: name, shortName: shortName, metricType: metricType,
		valueFn: valueFn, pPrintFn: pPrintFn, last: math.NaN()}
}

// MeanMetric implements a metric that keeps the mean of a metric. Non-finite values are ignored.
type MeanMetric struct {
	baseMetric
	sum   float64
	count int
}

// NewMeanMetric creates a metric from any ValueFn function.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, valueFn ValueFn, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			valueFn:    valueFn,
			pPrintFn:   prettyPrintFn,
		},
	}
}

// Update implements metrics.Interface.
func (m *MeanMetric) Update(step train.StepMetrics) {
	v := m.valueFn(step)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	m.sum += v
	m.count++
}

// Value implements metrics.Interface.
func (m *MeanMetric) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

// Reset implements metrics.Interface.
func (m *MeanMetric) Reset() {
	m.sum = 0
	m.count = 0
}

// movingAverageMetric implements a metric that keeps the mean of a metric.
//
// It behaves just like a MeanMetric, but each new value has weight of newExampleWeight, and
// the stored weight is capped at (1-newExampleWeight).
type movingAverageMetric struct {
	MeanMetric
	newExampleWeight float64
	mean             float64
}

// NewExponentialMovingAverageMetric creates a metric from any ValueFn function. It takes new values with
// the given weight (newExampleWeight), and decays the rest to 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
// pPrintFn can be left as nil, and a default will be used.
//
// This doesn't have a set prior, it will start being a normal average until there are enough terms, and it becomes
// an exponential moving average.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, valueFn ValueFn, pPrintFn PrettyPrintFn,
	newExampleWeight float64) Interface {
	return &movingAverageMetric{MeanMetric: MeanMetric{baseMetric: baseMetric{
		name: name, shortName: shortName, metricType: metricType,
		valueFn: valueFn, pPrintFn: pPrintFn}}, newExampleWeight: newExampleWeight}
}

// Update implements metrics.Interface.
func (m *movingAverageMetric) Update(step train.StepMetrics) {
	v := m.valueFn(step)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	m.count++
	weight := max(m.newExampleWeight, 1/float64(m.count))
	m.mean = m.mean*(1-weight) + v*weight
}

// Value implements metrics.Interface.
func (m *movingAverageMetric) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.mean
}

// Reset implements metrics.Interface.
func (m *movingAverageMetric) Reset() {
	m.count = 0
	m.mean = 0
}

// NewMovingAverageLoss is the moving average of the training loss, as displayed by the progress bar.
func NewMovingAverageLoss(newExampleWeight float64) Interface {
	return NewExponentialMovingAverageMetric("Moving Average Loss", "~loss", LossMetricType, Loss, nil, newExampleWeight)
}

// DefaultTrainMetrics returns the metrics usually displayed during training: the moving average of the loss,
// the loss of the last step, the learning rate, the EMA decay and, if withGNS, the gradient noise scale.
func DefaultTrainMetrics(withGNS bool) []Interface {
	list := []Interface{
		NewMovingAverageLoss(0.01),
		NewBaseMetric("Batch Loss", "loss", LossMetricType, Loss, nil),
		NewBaseMetric("Learning Rate", "lr", LearningRateMetricType, LearningRate, nil),
		NewBaseMetric("EMA Decay", "ema", EMADecayMetricType, EMADecay, func(v float64) string {
			return fmt.Sprintf("%.4f", v)
		}),
	}
	if withGNS {
		list = append(list, NewBaseMetric("Gradient Noise Scale", "gns", GNSMetricType, GNS, nil))
	}
	return list
}
