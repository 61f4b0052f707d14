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

package ring

import (
	"sync"
	"testing"
)

func TestClaimAndNextPreserveOrder(t *testing.T) {
	r := New[int](8)
	for i := 0; i < 5; i++ {
		i := i
		r.Claim(func(v *int) { *v = i })
	}
	for i := 0; i < 5; i++ {
		got := *r.Next()
		if got != i {
			t.Fatalf("event %d: got %d", i, got)
		}
		r.Release()
	}
}

func TestDrainStopsWhenEmpty(t *testing.T) {
	r := New[int](8)
	r.Claim(func(v *int) { *v = 1 })
	r.Claim(func(v *int) { *v = 2 })

	var got []int
	n := r.Drain(10, func(v *int) { got = append(got, *v) })
	if n != 2 || len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("drain: n=%d got=%v", n, got)
	}
	if n := r.Drain(10, func(v *int) { t.Fatalf("unexpected event %v", *v) }); n != 0 {
		t.Fatalf("expected empty drain, got n=%d", n)
	}
}

func TestMultiProducerSingleConsumerOrderWithinEachProducer(t *testing.T) {
	const producers = 8
	const perProducer = 2000
	r := New[[2]int](1 << 12) // [producerID, seqInProducer]

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				i := i
				r.Claim(func(v *[2]int) { *v = [2]int{p, i} })
			}
		}()
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	total := producers * perProducer
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			v := *r.Next()
			if v[1] <= last[v[0]] {
				t.Errorf("producer %d: out-of-order event %d after %d", v[0], v[1], last[v[0]])
			}
			last[v[0]] = v[1]
			r.Release()
		}
		close(done)
	}()

	wg.Wait()
	<-done
}

func TestNewPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-power-of-two capacity")
		}
	}()
	New[int](10)
}
