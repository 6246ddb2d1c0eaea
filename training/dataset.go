package training

import (
	"fmt"
	"math/rand"
)

// Sample is one input vector and its target vector.
type Sample struct {
	X []float64
	Y []float64
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                    // Total number of samples
	Get(idx int) (Sample, error) // Returns a single sample
}

// SliceDataset serves samples from memory.
type SliceDataset []Sample

func (ds SliceDataset) Len() int { return len(ds) }

func (ds SliceDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(ds) {
		return Sample{}, fmt.Errorf("index %d out of range (%d samples)", idx, len(ds))
	}
	return ds[idx], nil
}

// NewScalarDataset pairs every input row with a single target value.
func NewScalarDataset(xs [][]float64, ys []float64) (SliceDataset, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("got %d inputs and %d targets", len(xs), len(ys))
	}
	ds := make(SliceDataset, len(xs))
	for i := range xs {
		ds[i] = Sample{X: xs[i], Y: []float64{ys[i]}}
	}
	return ds, nil
}

// SubsetDataset allows training on a limited number of samples from an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset wraps original and exposes at most limit samples.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= sd.limit {
		return Sample{}, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}

// DataLoader provides batching and shuffling over a dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
}

// NewDataLoader creates a DataLoader. A batchSize of zero or less means the
// whole dataset in one batch. rng is only used when shuffle is set.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, rng *rand.Rand) *DataLoader {
	n := dataset.Len()
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}
	if shuffle && rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		indices:   indices,
	}
	dl.Reset()
	return dl
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	if dl.batchSize == 0 {
		return 0
	}
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset starts a new epoch, reshuffling if enabled
func (dl *DataLoader) Reset() {
	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch, or nil once the epoch is exhausted.
func (dl *DataLoader) Next() ([]Sample, error) {
	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))

	batch := make([]Sample, 0, end-dl.position)
	for _, idx := range dl.indices[dl.position:end] {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		batch = append(batch, s)
	}
	dl.position = end
	return batch, nil
}
