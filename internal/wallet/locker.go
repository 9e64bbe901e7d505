package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// Locker serialises mutations of the same balance rows. Lock acquires every
// key or none and returns a function releasing them.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

// BalanceKey names the lock of one (user, asset) row.
func BalanceKey(userID int64, asset string) string {
	return fmt.Sprintf("balance:%d:%s", userID, asset)
}

// sortedKeys de-duplicates and orders keys so that every caller acquires
// overlapping sets in the same order.
func sortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LocalLocker is an in-process keyed mutex. Idle keys are dropped.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = sortedKeys(keys)
	held := make([]*slot, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			l.unref(keys[i], held[i])
		}
	}
	for _, k := range keys {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, s)
		case <-ctx.Done():
			l.unref(k, s)
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

// DistributedLocker acquires keys through a domain.LockManager, retrying held
// locks until ctx ends.
type DistributedLocker struct {
	lm    domain.LockManager
	ttl   time.Duration
	retry time.Duration
}

// NewDistributedLocker wraps lm. ttl bounds how long a crashed holder can keep
// a row locked.
func NewDistributedLocker(lm domain.LockManager, ttl time.Duration) *DistributedLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &DistributedLocker{lm: lm, ttl: ttl, retry: 5 * time.Millisecond}
}

// Lock implements Locker.
func (d *DistributedLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = sortedKeys(keys)
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := d.acquire(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (d *DistributedLocker) acquire(ctx context.Context, key string) (func(), error) {
	wait := d.retry
	for {
		unlock, err := d.lm.Acquire(ctx, key, d.ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("wallet: lock %s: %w", key, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("wallet: lock %s: %w", key, ctx.Err())
		case <-t.C:
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}
