// Copyright 2024 The Oracle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package conflictmap implements M, the bounded conflict-detection
// structure the request processor consults on every commit.
//
// M is direct-mapped: row fingerprint R lives at slot R mod C, with no probe
// chain. That choice is load-bearing, not an optimization detail: it makes
// eviction a single deterministic overwrite, which is what lets every entry
// that ever leaves M fold cleanly into the low-watermark. A probing scheme
// would have to decide, on every insert, which of several candidate entries
// to evict and could defer raising LW past the point correctness requires.
package conflictmap

import "sync/atomic"

// entry is one direct-mapped slot. occupied distinguishes an empty slot
// (R==0 is a valid fingerprint) from a populated one.
type entry struct {
	row      uint64
	commitTS uint64
	occupied bool
}

// Map is M: a fixed-capacity, direct-mapped hash structure from row
// fingerprint to the commit timestamp of its most recent writer. It is
// owned by exactly one goroutine (the request processor) and is not safe
// for concurrent use. M has a single mutator by design, so no
// synchronization is paid for on the hot path.
type Map struct {
	capacity uint64
	slots    []entry
	size     atomic.Int64 // exposed read-only for diagnostics/tests
}

// New creates a Map with the given fixed capacity C (1,000,000 by default).
func New(capacity int) *Map {
	if capacity <= 0 {
		panic("conflictmap: capacity must be positive")
	}
	return &Map{
		capacity: uint64(capacity),
		slots:    make([]entry, capacity),
	}
}

// Capacity returns C.
func (m *Map) Capacity() int { return int(m.capacity) }

// Len returns the number of currently occupied slots (<= Capacity).
func (m *Map) Len() int { return int(m.size.Load()) }

func (m *Map) slot(row uint64) *entry {
	return &m.slots[row%m.capacity]
}

// Get returns the last known commit timestamp for row and whether an entry
// is present. After a collision the slot may hold a different row that maps
// to the same row mod capacity; Get only reports a hit when the occupant's
// row matches.
func (m *Map) Get(row uint64) (commitTS uint64, ok bool) {
	s := m.slot(row)
	if s.occupied && s.row == row {
		return s.commitTS, true
	}
	return 0, false
}

// Put inserts (row, commitTS), unconditionally overwriting whatever
// currently occupies row's slot (including a different row that collided
// into the same slot). It returns the evicted (row, commitTS) and true if the
// slot held a different, occupied entry; the caller (the request processor)
// is responsible for folding the evicted timestamp into the low-watermark.
func (m *Map) Put(row, commitTS uint64) (evictedRow, evictedTS uint64, evicted bool) {
	s := m.slot(row)
	if s.occupied {
		evictedRow, evictedTS, evicted = s.row, s.commitTS, s.row != row
	} else {
		m.size.Add(1)
	}
	s.row = row
	s.commitTS = commitTS
	s.occupied = true
	return evictedRow, evictedTS, evicted
}
