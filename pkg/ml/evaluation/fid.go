// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// fidEpsilon is added to the diagonal of the covariances, to keep them positive definite.
const fidEpsilon = 1e-8

// FID returns the Fréchet distance between Gaussians fitted to the rows of x and y:
//
//	|mu_x - mu_y|² + Tr(C_x + C_y - 2 (C_x^½ C_y C_x^½)^½)
//
// The covariances are unbiased (normalized by n-1), so both sets need at least 2 rows.
func FID(x, y *mat.Dense) (float64, error) {
	if err := checkFeatures(x, y); err != nil {
		return 0, err
	}
	meanX, covX := gaussianFit(x)
	meanY, covY := gaussianFit(y)
	floats.Sub(meanX, meanY)
	meanTerm := floats.Dot(meanX, meanX)

	sqrtCovX, err := sqrtSym(covX)
	if err != nil {
		return 0, err
	}
	var prod mat.Dense
	prod.Mul(sqrtCovX, covY)
	prod.Mul(&prod, sqrtCovX)
	eigenvalues, err := symEigenvalues(symmetrize(&prod))
	if err != nil {
		return 0, err
	}
	var traceSqrt float64
	for _, v := range eigenvalues {
		traceSqrt += math.Sqrt(math.Abs(v))
	}
	return meanTerm + mat.Trace(covX) + mat.Trace(covY) - 2*traceSqrt, nil
}

func checkFeatures(x, y *mat.Dense) error {
	rowsX, colsX := x.Dims()
	rowsY, colsY := y.Dims()
	if colsX != colsY {
		return errors.Errorf("features have different dimensions: %d and %d", colsX, colsY)
	}
	if rowsX < 2 || rowsY < 2 {
		return errors.Errorf("at least 2 feature vectors per set are required, got %d and %d", rowsX, rowsY)
	}
	return nil
}

// gaussianFit returns the mean and the unbiased covariance (plus fidEpsilon on the diagonal) of the rows of x.
func gaussianFit(x *mat.Dense) (mean []float64, cov *mat.SymDense) {
	rows, cols := x.Dims()
	mean = make([]float64, cols)
	column := make([]float64, rows)
	for col := range cols {
		mat.Col(column, col, x)
		mean[col] = stat.Mean(column, nil)
	}
	cov = mat.NewSymDense(cols, nil)
	stat.CovarianceMatrix(cov, x, nil)
	for ii := range cols {
		cov.SetSym(ii, ii, cov.At(ii, ii)+fidEpsilon)
	}
	return
}

func symEigenvalues(a *mat.SymDense) ([]float64, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(a, false); !ok {
		return nil, errors.New("eigen decomposition of covariance failed")
	}
	return eig.Values(nil), nil
}

// sqrtSym returns V·diag(sqrt|λ|)·Vᵀ, for the eigen decomposition a = V·diag(λ)·Vᵀ.
func sqrtSym(a *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		return nil, errors.New("eigen decomposition of covariance failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	var scaled mat.Dense
	scaled.Apply(func(_, col int, v float64) float64 {
		return v * math.Sqrt(math.Abs(values[col]))
	}, &vectors)
	var result mat.Dense
	result.Mul(&scaled, vectors.T())
	return &result, nil
}

// symmetrize returns (a + aᵀ)/2, removing rounding asymmetries.
func symmetrize(a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for row := range n {
		for col := row; col < n; col++ {
			sym.SetSym(row, col, (a.At(row, col)+a.At(col, row))/2)
		}
	}
	return sym
}
