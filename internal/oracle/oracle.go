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

// Package oracle implements the Timestamp Oracle: a lazy, infinite,
// strictly increasing sequence of 64-bit timestamps that survives process
// restart by persisting allocation in large batches.
package oracle

import (
	"context"
	"sync"

	"github.com/pingcap-incubator/oracle-tso/internal/metrics"
	"github.com/pingcap-incubator/oracle-tso/internal/panicker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DefaultBatch and DefaultThreshold follow the recommended sizing: a batch
// of at least 1e6 timestamps per persisted ceiling bump, with a threshold
// around a tenth of the batch to trigger the next bump early.
const (
	DefaultBatch     = 10_000_000
	DefaultThreshold = DefaultBatch / 10
)

// Oracle is the strictly monotonic counter. Next is called exclusively by
// the request processor's single consumer goroutine; every Next and Last
// call still takes a mutex, so Last (used by diagnostics) can be read from
// any goroutine.
type Oracle struct {
	store     Store
	panicker  panicker.Panicker
	batch     uint64
	threshold uint64

	mu      sync.Mutex
	cur     uint64
	ceiling uint64
	last    uint64 // most recent value returned by Next, 0 before the first call
}

// New constructs an Oracle and performs the startup read: load the
// persisted ceiling C0, set cur = C0. Recovery therefore skips at most one
// batch, the cost of guaranteeing strict monotonicity across a crash.
func New(ctx context.Context, store Store, batch, threshold uint64, p panicker.Panicker) (*Oracle, error) {
	if batch == 0 {
		batch = DefaultBatch
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	ceiling, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Oracle{
		store:     store,
		panicker:  p,
		batch:     batch,
		threshold: threshold,
		cur:       ceiling,
		ceiling:   ceiling,
	}, nil
}

// Next returns a value strictly greater than every previously returned
// value across all epochs on this cluster. When cur is about to cross the
// persisted ceiling it bumps the ceiling first and only then hands out the
// timestamp, allocating the next batch ahead of exhaustion. A failure to
// persist the new ceiling is fatal: it would otherwise risk handing out a
// timestamp that a successor epoch, recovering from the old ceiling,
// could hand out again.
func (o *Oracle) Next(ctx context.Context) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cur+o.threshold >= o.ceiling {
		newCeiling := o.cur + o.batch
		if err := o.store.Save(ctx, o.ceiling, newCeiling); err != nil {
			o.panicker.Panic("oracle: failed to persist timestamp ceiling", zap.Error(err))
			return 0 // unreachable in production; lets Recording panickers keep tests deterministic
		}
		o.ceiling = newCeiling
		metrics.OracleBatchPersistsTotal.Inc()
		log.Info("oracle: persisted new timestamp ceiling", zap.Uint64("ceiling", newCeiling))
	}
	o.cur++
	o.last = o.cur
	return o.cur
}

// Last returns the most recently returned timestamp, or 0 if Next has never
// been called.
func (o *Oracle) Last() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}
