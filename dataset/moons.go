// Package dataset produces in-memory training sets: the two-moons toy
// problem and numeric CSV files.
package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/mesograd/mesograd/training"
)

// MakeMoons generates n points on two interleaving half circles with
// Gaussian noise of standard deviation noise. The upper moon is labeled +1
// and the lower one -1, so the set suits a hinge loss directly.
func MakeMoons(n int, noise float64, rng *rand.Rand) (training.SliceDataset, error) {
	if n < 2 {
		return nil, fmt.Errorf("need at least 2 samples, got %d", n)
	}
	if noise < 0 {
		return nil, fmt.Errorf("noise cannot be negative, got %g", noise)
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	outer := n / 2
	inner := n - outer
	ds := make(training.SliceDataset, 0, n)

	for i := 0; i < outer; i++ {
		t := math.Pi * float64(i) / float64(max(outer-1, 1))
		ds = append(ds, moonPoint(math.Cos(t), math.Sin(t), 1, noise, rng))
	}
	for i := 0; i < inner; i++ {
		t := math.Pi * float64(i) / float64(max(inner-1, 1))
		ds = append(ds, moonPoint(1-math.Cos(t), 0.5-math.Sin(t), -1, noise, rng))
	}

	rng.Shuffle(len(ds), func(i, j int) { ds[i], ds[j] = ds[j], ds[i] })
	return ds, nil
}

func moonPoint(x, y, label, noise float64, rng *rand.Rand) training.Sample {
	return training.Sample{
		X: []float64{x + rng.NormFloat64()*noise, y + rng.NormFloat64()*noise},
		Y: []float64{label},
	}
}

// Split splits ds into train and validation sets. The first
// trainRatio of a shuffled index order goes to training.
func Split(ds training.Dataset, trainRatio float64, rng *rand.Rand) (training.SliceDataset, training.SliceDataset, error) {
	if trainRatio <= 0 || trainRatio > 1 {
		return nil, nil, fmt.Errorf("train ratio must be in (0, 1], got %g", trainRatio)
	}
	n := ds.Len()
	trainSize := int(float64(n) * trainRatio)
	if trainSize == 0 {
		return nil, nil, fmt.Errorf("train ratio %g leaves no training samples out of %d", trainRatio, n)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	train := make(training.SliceDataset, 0, trainSize)
	valid := make(training.SliceDataset, 0, n-trainSize)
	for i, idx := range indices {
		s, err := ds.Get(idx)
		if err != nil {
			return nil, nil, err
		}
		if i < trainSize {
			train = append(train, s)
		} else {
			valid = append(valid, s)
		}
	}
	return train, valid, nil
}

// ClassDistribution counts samples per sign of the first target, keyed
// "+1" and "-1".
func ClassDistribution(ds training.Dataset) (map[string]int, error) {
	dist := make(map[string]int)
	for i := 0; i < ds.Len(); i++ {
		s, err := ds.Get(i)
		if err != nil {
			return nil, err
		}
		if len(s.Y) == 0 {
			return nil, fmt.Errorf("sample %d has no target", i)
		}
		if s.Y[0] > 0 {
			dist["+1"]++
		} else {
			dist["-1"]++
		}
	}
	return dist, nil
}
