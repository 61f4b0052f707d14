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

// Package ring implements the bounded, power-of-two-sized, multi-producer/
// single-consumer ring buffer that hands events between the three pipeline
// stages (oracle, request processor, persistence processor). Event slots are
// preallocated and mutated in place by producers; nothing on the hot path
// allocates.
//
// The claim/publish protocol is the classic LMAX Disruptor shape: a producer
// reserves a sequence number with an atomic compare-and-swap on the shared
// tail counter, mutates the slot that sequence number owns, then publishes by
// storing the sequence into the slot itself so the single consumer can tell
// the slot is ready without taking a lock. The consumer advances its own
// cursor strictly in order and busy-spins when the next slot isn't published
// yet, trading CPU for latency as recommended by the default wait strategy.
package ring

import (
	"runtime"
	"sync/atomic"
)

// Ring is a fixed-capacity, power-of-two-sized MPSC ring buffer of slots of
// type T. The zero value is not usable; construct with New.
type Ring[T any] struct {
	capacity uint64
	mask     uint64

	// tail is the next sequence number a producer will attempt to claim.
	// Shared and CAS'd by every producer.
	tail uint64

	_ [56]byte // cache-line isolation between tail and head

	// head is the next sequence number the single consumer expects.
	// Touched only by the consumer goroutine.
	head uint64

	_ [56]byte

	slots []slot[T]
}

type slot[T any] struct {
	val T
	// seq is the publication sequence for this slot. A slot is available to
	// a producer claiming position p when seq == p; it becomes visible to
	// the consumer once the producer stores seq = p+1; the consumer frees it
	// for reuse (after wraparound) by storing seq = p+capacity.
	seq uint64
}

// New creates a Ring with the given capacity, which must be a power of two.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a positive power of two")
	}
	r := &Ring[T]{
		capacity: uint64(capacity),
		mask:     uint64(capacity - 1),
		slots:    make([]slot[T], capacity),
	}
	for i := range r.slots {
		r.slots[i].seq = uint64(i)
	}
	return r
}

// Capacity returns the ring's fixed capacity.
func (r *Ring[T]) Capacity() int {
	return int(r.capacity)
}

// Claim reserves the next slot for a producer, busy-spinning while the ring
// is full (this wait strategy prioritizes latency over CPU; it is fixed and
// has no configuration setting). mutate is called exactly once
// with a pointer into the claimed slot; the caller must not retain that
// pointer past mutate's return. Claim is safe for concurrent use by multiple
// producers.
func (r *Ring[T]) Claim(mutate func(*T)) {
	for {
		pos := atomic.LoadUint64(&r.tail)
		s := &r.slots[pos&r.mask]
		if atomic.LoadUint64(&s.seq) != pos {
			// Another producer already claimed this position, or the
			// consumer hasn't freed it yet. Retry.
			runtime.Gosched()
			continue
		}
		if !atomic.CompareAndSwapUint64(&r.tail, pos, pos+1) {
			continue
		}
		mutate(&s.val)
		atomic.StoreUint64(&s.seq, pos+1)
		return
	}
}

// Next returns the next published event to the single consumer, busy-
// spinning until one is available. The returned pointer is valid only until
// the next call to Next or Drain; the consumer must finish using it before
// calling either again.
func (r *Ring[T]) Next() *T {
	s := &r.slots[r.head&r.mask]
	for atomic.LoadUint64(&s.seq) != r.head+1 {
		runtime.Gosched()
	}
	val := &s.val
	return val
}

// TryNext returns the next published event without blocking. ok is false
// if nothing is available yet. Consumers that need an orderly shutdown
// point poll with TryNext instead of spinning forever in Next.
func (r *Ring[T]) TryNext() (val *T, ok bool) {
	s := &r.slots[r.head&r.mask]
	if atomic.LoadUint64(&s.seq) != r.head+1 {
		return nil, false
	}
	return &s.val, true
}

// Release marks the slot last returned by Next as free for producer reuse
// and advances the consumer cursor. Must be called exactly once per Next,
// after the consumer is done reading the slot's value.
func (r *Ring[T]) Release() {
	s := &r.slots[r.head&r.mask]
	atomic.StoreUint64(&s.seq, r.head+r.capacity)
	r.head++
}

// Drain calls fn once per available event, in order, until max events have
// been consumed or the ring is momentarily empty, releasing each slot after
// fn returns. It never blocks: if nothing is available it returns
// immediately having called fn zero times. The persistence processor uses
// this to pull up to a batch's worth of events without spinning past what's
// already published.
func (r *Ring[T]) Drain(max int, fn func(*T)) int {
	n := 0
	for n < max {
		s := &r.slots[r.head&r.mask]
		if atomic.LoadUint64(&s.seq) != r.head+1 {
			break
		}
		fn(&s.val)
		atomic.StoreUint64(&s.seq, r.head+r.capacity)
		r.head++
		n++
	}
	return n
}
