package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockflow/ledger-core/internal/ledgererr"
)

// accountLocks hands out one mutex per account id. Locks are only ever
// taken in ascending id order, so transactions touching overlapping
// account sets cannot deadlock; disjoint sets proceed in parallel.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

func (a *accountLocks) get(id string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.locks[id]; !ok {
		a.locks[id] = &sync.Mutex{}
	}
	return a.locks[id]
}

// acquire locks every id in ascending order, using TryLock with a
// bounded number of passes so a congested account fails fast with
// ErrContentionExceeded instead of blocking forever. On success the
// returned func releases everything in reverse order.
func (a *accountLocks) acquire(ids []string, attempts int, backoff time.Duration) (func(), error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	mus := make([]*sync.Mutex, len(sorted))
	for i, id := range sorted {
		mus[i] = a.get(id)
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		held := 0
		ok := true
		for _, mu := range mus {
			if !mu.TryLock() {
				ok = false
				break
			}
			held++
		}
		if ok {
			return func() {
				for i := len(mus) - 1; i >= 0; i-- {
					mus[i].Unlock()
				}
			}, nil
		}
		for i := held - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
		if attempt < attempts {
			time.Sleep(backoff * time.Duration(attempt))
		}
	}
	return nil, fmt.Errorf("%w: %d attempts on %v", ledgererr.ErrContentionExceeded, attempts, sorted)
}
