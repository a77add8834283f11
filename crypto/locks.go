// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// lockMap hands out one mutex per session identity. Locks are never
// removed; the set of live session identities is small and bounded by
// the store contents.
type lockMap struct {
	locks *xsync.Map[string, *sync.Mutex]
}

func newLockMap() *lockMap {
	return &lockMap{locks: xsync.NewMap[string, *sync.Mutex]()}
}

// lock acquires the mutex for key and returns its unlock func.
func (m *lockMap) lock(key string) func() {
	mu, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}
