// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/kdiffusion/internal/workerspool"
)

// MaxKIDPartitionSize is the maximum number of rows of each partition used by KID.
const MaxKIDPartitionSize = 5000

// kernelRowsPerShard is the number of rows of the kernel matrix computed at a time.
const kernelRowsPerShard = 256

// KID returns the kernel inception distance between the rows of x and y: the unbiased estimate of
// the squared maximum mean discrepancy with the polynomial kernel k(a, b) = (a·b/d + 1)³.
//
// Larger sets are split into the minimum number of equal partitions of at most MaxKIDPartitionSize
// rows, and the result is the mean over partitions.
func KID(x, y *mat.Dense) (float64, error) {
	return kidPartitioned(workerspool.New(), x, y, MaxKIDPartitionSize)
}

func kidPartitioned(pool *workerspool.Pool, x, y *mat.Dense, maxSize int) (float64, error) {
	if err := checkFeatures(x, y); err != nil {
		return 0, err
	}
	rowsX, cols := x.Dims()
	rowsY, _ := y.Dims()
	numPartitions := int(math.Ceil(float64(max(rowsX, rowsY)) / float64(maxSize)))
	bounds := func(i, rows int) (int, int) {
		start := int(math.RoundToEven(float64(i*rows) / float64(numPartitions)))
		end := int(math.RoundToEven(float64((i+1)*rows) / float64(numPartitions)))
		return start, end
	}
	type partition struct{ x, y *mat.Dense }
	partitions := make([]partition, numPartitions)
	for i := range partitions {
		startX, endX := bounds(i, rowsX)
		startY, endY := bounds(i, rowsY)
		p := partition{
			x: x.Slice(startX, endX, 0, cols).(*mat.Dense),
			y: y.Slice(startY, endY, 0, cols).(*mat.Dense),
		}
		if err := checkFeatures(p.x, p.y); err != nil {
			return 0, err
		}
		partitions[i] = p
	}
	var total float64
	for _, p := range partitions {
		total += squaredMMD(pool, p.x, p.y)
	}
	return total / float64(numPartitions), nil
}

// squaredMMD is the unbiased estimate: the diagonals of k(x,x) and k(y,y) are excluded.
func squaredMMD(pool *workerspool.Pool, x, y *mat.Dense) float64 {
	m, _ := x.Dims()
	n, _ := y.Dims()
	kxx := polynomialKernelSum(pool, x, x, true)
	kyy := polynomialKernelSum(pool, y, y, true)
	kxy := polynomialKernelSum(pool, x, y, false)
	fm, fn := float64(m), float64(n)
	return kxx/fm/(fm-1) + kyy/fn/(fn-1) - 2*kxy/fm/fn
}

// polynomialKernelSum returns the sum of the entries of the kernel matrix of the rows of a and b,
// optionally excluding the diagonal. The matrix is computed in shards of rows, in parallel.
func polynomialKernelSum(pool *workerspool.Pool, a, b *mat.Dense, excludeDiagonal bool) float64 {
	rowsA, dim := a.Dims()
	numShards := (rowsA + kernelRowsPerShard - 1) / kernelRowsPerShard
	partials := make([]float64, numShards)
	pool.Shards(rowsA, numShards, func(shard, start, end int) {
		var dots mat.Dense
		dots.Mul(a.Slice(start, end, 0, dim), b.T())
		rows, cols := dots.Dims()
		var sum float64
		for row := range rows {
			for col := range cols {
				if excludeDiagonal && start+row == col {
					continue
				}
				k := dots.At(row, col)/float64(dim) + 1
				sum += k * k * k
			}
		}
		partials[shard] = sum
	})
	var total float64
	for _, p := range partials {
		total += p
	}
	return total
}
