package core

import (
	"sort"
	"sync"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedLocks hands out one mutex per key. Entries are dropped once nobody holds
// or waits on them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*lockEntry)}
}

func (k *keyedLocks) ref(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *keyedLocks) unref(key string, entry *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}

// acquire locks every key in sorted order and returns the release function.
// Sorting keeps two operations that share keys from deadlocking.
func (k *keyedLocks) acquire(keys ...string) func() {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	sort.Strings(unique)

	held := make([]*lockEntry, 0, len(unique))
	for _, key := range unique {
		entry := k.ref(key)
		entry.mu.Lock()
		held = append(held, entry)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.unref(unique[i], held[i])
		}
	}
}

// size reports the number of live lock entries.
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func auctionLockKey(id [32]byte) string { return "auction/" + string(id[:]) }

func accountLockKey(addr [20]byte) string { return "account/" + string(addr[:]) }

const indexLockKey = "index"
