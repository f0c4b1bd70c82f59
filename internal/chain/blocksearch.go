package chain

import (
	"context"
	"time"
)

// FindBlockByTimestamp returns the newest block mined at or before ts using a
// binary search over block numbers. ok is false when ts predates genesis or
// the search fails.
func (f *Fetcher) FindBlockByTimestamp(ctx context.Context, ts time.Time) (uint64, bool) {
	type found struct {
		number uint64
		ok     bool
	}
	res, ok := guardedRead(ctx, f, "eth_getHeaderByNumber", func(ctx context.Context, p Provider) (found, error) {
		head, err := p.BlockNumber(ctx)
		if err != nil {
			return found{}, err
		}
		headTime, err := p.BlockTime(ctx, head)
		if err != nil {
			return found{}, err
		}
		if !ts.Before(headTime) {
			return found{head, true}, nil
		}

		lo, hi := uint64(0), head
		best, hasBest := uint64(0), false
		for lo <= hi {
			mid := lo + (hi-lo)/2
			t, err := p.BlockTime(ctx, mid)
			if err != nil {
				return found{}, err
			}
			if t.After(ts) {
				if mid == 0 {
					break
				}
				hi = mid - 1
				continue
			}
			best, hasBest = mid, true
			lo = mid + 1
		}
		return found{best, hasBest}, nil
	})
	return res.number, ok && res.ok
}
