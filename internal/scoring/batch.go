package scoring

import (
	"context"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Item is one transaction to score together with its inputs.
type Item struct {
	Transaction domain.Transaction
	Profile     domain.Profile
	Recent      []domain.Transaction
}

// ScoreBatch scores items on at most workers goroutines. Results are in
// input order. Items not started before ctx is cancelled are left as zero
// values and ctx.Err() is returned.
func (s *Scorer) ScoreBatch(ctx context.Context, items []Item, workers int) ([]domain.Assessment, error) {
	if workers <= 0 {
		workers = 1
	}

	results := make([]domain.Assessment, len(items))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, workers)

	for i := range items {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return results, err
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return results, ctx.Err()
		case sem <- struct{}{}: // Acquire
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }() // Release

			it := items[idx]
			results[idx] = s.Analyze(it.Transaction, it.Profile, it.Recent)
		}(i)
	}

	wg.Wait()
	return results, nil
}
