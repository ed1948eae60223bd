package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
)

// ForEachOrg runs process for every item with the given worker fan-out. All
// items are attempted even when some fail; the combined error joins every
// per-item failure. Used by the scheduler so one broken tenant cannot block
// the rest of the fleet.
func ForEachOrg[T any](
	ctx context.Context,
	items []T,
	workers int,
	process func(ctx context.Context, item T) error,
	onProgress func(done, total int64),
) error {
	if len(items) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	jobs := make(chan T, len(items))
	errs := make([]error, len(items))
	total := int64(len(items))
	var done int64
	var idx int64 = -1

	var wg gosync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				slot := atomic.AddInt64(&idx, 1)
				if ctx.Err() != nil {
					errs[slot] = ctx.Err()
					continue
				}
				errs[slot] = process(ctx, item)
				n := atomic.AddInt64(&done, 1)
				if onProgress != nil {
					onProgress(n, total)
				}
			}
		}()
	}

	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()

	return errors.Join(errs...)
}
