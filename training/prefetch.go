package training

import (
	"context"
	"sync"
)

// batchSource yields batches until it returns nil.
type batchSource interface {
	Next() ([]Sample, error)
}

// Prefetcher reads the rest of a DataLoader epoch on a background
// goroutine, keeping up to depth batches ready. Batch order is the
// loader's order.
type Prefetcher struct {
	batches chan []Sample
	errs    chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPrefetcher starts reading from loader. A depth of zero or less
// prefetches 3 batches. Call Stop when done, even after the epoch ends.
func NewPrefetcher(ctx context.Context, loader *DataLoader, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 3
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		batches: make(chan []Sample, depth),
		errs:    make(chan error, 1),
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.worker(ctx, loader)
	return p
}

func (p *Prefetcher) worker(ctx context.Context, loader *DataLoader) {
	defer p.wg.Done()
	defer close(p.batches)

	for {
		batch, err := loader.Next()
		if err != nil {
			p.errs <- err
			return
		}
		if batch == nil {
			return
		}
		select {
		case p.batches <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// Next returns the next batch, or nil once the epoch is exhausted or the
// prefetcher was stopped.
func (p *Prefetcher) Next() ([]Sample, error) {
	if batch, ok := <-p.batches; ok {
		return batch, nil
	}
	// errs is written before batches is closed
	select {
	case err := <-p.errs:
		return nil, err
	default:
		return nil, nil
	}
}

// Stop cancels the background read and waits for it to finish.
func (p *Prefetcher) Stop() {
	p.cancel()
	for range p.batches {
	}
	p.wg.Wait()
}
