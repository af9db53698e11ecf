// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxfeatures implements an evaluation.FeatureExtractor that runs an image model (usually
// InceptionV3, with its 2048 pool features as output) exported to ONNX, using the ONNX Runtime
// shared library through github.com/yalue/onnxruntime_go.
//
// The model must take one float32 input shaped [batch, 3, size, size] (channels first) and return
// one float32 output shaped [batch, features...]. Images are resized to the input size with
// github.com/disintegration/imaging.
package onnxfeatures

import (
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/core/tensors/images"
	"github.com/gomlx/kdiffusion/pkg/ml/evaluation"
	"github.com/gomlx/kdiffusion/pkg/support/fsutil"
)

// DefaultImageSize is the input size of InceptionV3, used if the model has dynamic spatial dimensions.
const DefaultImageSize = 299

// Config of the Extractor.
type Config struct {
	// ModelPath is the ONNX file.
	ModelPath string

	// LibraryPath is the ONNX Runtime shared library (e.g. libonnxruntime.so). If empty, the
	// onnxruntime_go default is used.
	LibraryPath string

	// MinValue and MaxValue are the range the model expects its input pixels in. If both are 0,
	// [-1, 1] is used.
	MinValue, MaxValue float32

	// NumThreads for intra-op parallelism. 0 leaves the ONNX Runtime default.
	NumThreads int
}

// Extractor implements evaluation.FeatureExtractor. Calls to Extract are serialized.
type Extractor struct {
	mu                 sync.Mutex
	session            *ort.DynamicAdvancedSession
	imageSize, dim     int
	minValue, maxValue float32
}

var _ evaluation.FeatureExtractor = (*Extractor)(nil)

var initOnce sync.Once
var initErr error

// initialize the ONNX Runtime environment, once per process.
func initialize(libraryPath string) error {
	initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = errors.Wrapf(err, "failed to initialize ONNX Runtime (library %q)", libraryPath)
		}
	})
	return initErr
}

// New loads the model and creates the session.
func New(config Config) (*Extractor, error) {
	modelPath, err := fsutil.ReplaceTildeInDir(config.ModelPath)
	if err != nil {
		return nil, err
	}
	libraryPath, err := fsutil.ReplaceTildeInDir(config.LibraryPath)
	if err != nil {
		return nil, err
	}
	if err = initialize(libraryPath); err != nil {
		return nil, err
	}
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model %q", modelPath)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, errors.Errorf("ONNX model %q has %d inputs and %d outputs, wanted 1 input and at least 1 output",
			modelPath, len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return nil, errors.Errorf("ONNX model %q must have float32 input and output, got %s and %s",
			modelPath, in.DataType, out.DataType)
	}
	e := &Extractor{minValue: config.MinValue, maxValue: config.MaxValue}
	if e.minValue == 0 && e.maxValue == 0 {
		e.minValue, e.maxValue = -1, 1
	}
	if e.imageSize, err = inputImageSize(in.Dimensions); err != nil {
		return nil, errors.WithMessagef(err, "ONNX model %q", modelPath)
	}
	if e.dim, err = outputDim(out.Dimensions); err != nil {
		return nil, errors.WithMessagef(err, "ONNX model %q", modelPath)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "ONNX session options")
	}
	defer func() { _ = opts.Destroy() }()
	if config.NumThreads > 0 {
		if err = opts.SetIntraOpNumThreads(config.NumThreads); err != nil {
			return nil, errors.Wrap(err, "ONNX session options")
		}
	}
	e.session, err = ort.NewDynamicAdvancedSession(modelPath, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create ONNX session for %q", modelPath)
	}
	klog.V(1).Infof("feature extractor %q: input %q %v, output %q %v, %d features",
		modelPath, in.Name, in.Dimensions, out.Name, out.Dimensions, e.dim)
	return e, nil
}

// inputImageSize from the input dimensions [batch, 3, height, width].
func inputImageSize(dims ort.Shape) (int, error) {
	if len(dims) != 4 || dims[1] != 3 {
		return 0, errors.Errorf("input shaped %v, wanted [batch, 3, height, width]", dims)
	}
	if dims[2] != dims[3] {
		return 0, errors.Errorf("input shaped %v has non-square images", dims)
	}
	if dims[2] <= 0 {
		return DefaultImageSize, nil
	}
	return int(dims[2]), nil
}

// outputDim is the number of features: the product of the non-batch output dimensions.
func outputDim(dims ort.Shape) (int, error) {
	if len(dims) < 2 {
		return 0, errors.Errorf("output shaped %v, wanted [batch, features...]", dims)
	}
	dim := 1
	for _, d := range dims[1:] {
		if d <= 0 {
			return 0, errors.Errorf("output shaped %v has dynamic feature dimensions", dims)
		}
		dim *= int(d)
	}
	return dim, nil
}

// Dim implements evaluation.FeatureExtractor.
func (e *Extractor) Dim() int { return e.dim }

// Extract implements evaluation.FeatureExtractor.
func (e *Extractor) Extract(batch *tensors.Tensor) (*mat.Dense, error) {
	input, err := Preprocess(batch, e.imageSize, e.minValue, e.maxValue)
	if err != nil {
		return nil, err
	}
	batchSize := batch.BatchSize()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("feature extractor already closed")
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(int64(batchSize), 3, int64(e.imageSize), int64(e.imageSize)), input)
	if err != nil {
		return nil, errors.Wrap(err, "ONNX input tensor")
	}
	defer func() { _ = inputTensor.Destroy() }()
	outputs := []ort.Value{nil} // Allocated by ONNX Runtime.
	if err = e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, errors.Wrap(err, "ONNX feature extractor")
	}
	defer func() { _ = outputs[0].Destroy() }()
	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("ONNX feature extractor returned %T, wanted float32 tensor", outputs[0])
	}
	data := outputTensor.GetData()
	if len(data) != batchSize*e.dim {
		return nil, errors.Errorf("ONNX feature extractor returned %d values for %d images of %d features",
			len(data), batchSize, e.dim)
	}
	features := mat.NewDense(batchSize, e.dim, nil)
	for row := range batchSize {
		for col := range e.dim {
			features.Set(row, col, float64(data[row*e.dim+col]))
		}
	}
	return features, nil
}

// Close destroys the session. The ONNX Runtime environment is kept for the lifetime of the process.
func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return errors.Wrap(err, "closing ONNX session")
}

// Preprocess converts images shaped [batch, height, width, channels] with values in [-1, 1] to the
// flat channels-first input of the model: [batch, 3, size, size] with values in [minValue, maxValue].
// Grayscale images are replicated to 3 channels.
func Preprocess(batch *tensors.Tensor, size int, minValue, maxValue float32) ([]float32, error) {
	if batch.Rank() != 4 || batch.BatchSize() == 0 {
		return nil, errors.Errorf("feature extractor expects images shaped [batch, height, width, channels], got %v",
			batch.Dimensions)
	}
	channels := batch.Dimensions[3]
	if channels != 1 && channels != 3 && channels != 4 {
		return nil, errors.Errorf("feature extractor expects 1, 3 or 4 channels, got images shaped %v", batch.Dimensions)
	}
	height, width := batch.Dimensions[1], batch.Dimensions[2]
	batchSize := batch.BatchSize()
	scale := (maxValue - minValue) / 2
	planeSize := size * size
	input := make([]float32, batchSize*3*planeSize)
	toImage := images.ToImage().ValueRange(-1, 1)
	toTensor := images.ToTensor().ValueRange(-1, 1)
	for ii := range batchSize {
		example := tensors.FromFlatData(batch.Example(ii), height, width, channels)
		var img image.Image = toImage.Single(example)
		if height != size || width != size {
			img = imaging.Resize(img, size, size, imaging.Linear)
		}
		rgb := toTensor.Single(img) // [size, size, 3]
		base := ii * 3 * planeSize
		for pos := range planeSize {
			for c := range 3 {
				input[base+c*planeSize+pos] = minValue + (rgb.Data[pos*3+c]+1)*scale
			}
		}
	}
	return input, nil
}
