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

// Package requestproc implements the Request Processor: the single-threaded
// conflict-detection engine that drains the request ring, consults the
// conflict map and low-watermark, and forwards decisions to the persistence
// ring.
package requestproc

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pingcap-incubator/oracle-tso/internal/client"
	"github.com/pingcap-incubator/oracle-tso/internal/conflictmap"
	"github.com/pingcap-incubator/oracle-tso/internal/events"
	"github.com/pingcap-incubator/oracle-tso/internal/metrics"
	"github.com/pingcap-incubator/oracle-tso/internal/oracle"
	"github.com/pingcap-incubator/oracle-tso/internal/panicker"
	"github.com/pingcap-incubator/oracle-tso/internal/ring"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Processor owns the conflict map M and the low-watermark LW. Both are
// touched only by the goroutine started by Run, a single mutator, so no
// locking is needed around either.
type Processor struct {
	requests *ring.Ring[events.RequestEvent]
	persist  *ring.Ring[events.PersistEvent]
	oracle   *oracle.Oracle
	hashmap  *conflictmap.Map
	panicker panicker.Panicker

	lowWatermark uint64 // owned exclusively by the Run goroutine

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Processor. initialLowWatermark should come from
// commitlog.Log.HighestLowWatermark() at startup (0 on a fresh log). New
// does not forward the initial value to the persistence ring; only later
// advances are persisted.
func New(requests *ring.Ring[events.RequestEvent], persist *ring.Ring[events.PersistEvent], o *oracle.Oracle, capacity int, initialLowWatermark uint64, p panicker.Panicker) *Processor {
	return &Processor{
		requests:     requests,
		persist:      persist,
		oracle:       o,
		hashmap:      conflictmap.New(capacity),
		panicker:     p,
		lowWatermark: initialLowWatermark,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// TimestampRequest enqueues a Timestamp event. Non-blocking from the
// caller's perspective up to ring backpressure, safe to call from any
// number of network worker goroutines concurrently.
func (p *Processor) TimestampRequest(c client.Client) {
	p.requests.Claim(func(e *events.RequestEvent) {
		events.MakeTimestampRequest(e, c)
	})
}

// CommitRequest enqueues a Commit event. rows may be empty (a read-only
// commit) and may contain duplicates.
func (p *Processor) CommitRequest(startTS uint64, rows []uint64, isRetry bool, c client.Client) {
	p.requests.Claim(func(e *events.RequestEvent) {
		events.MakeCommitRequest(e, startTS, rows, isRetry, c)
	})
}

// LowWatermark returns the current LW, for diagnostics and tests. It is
// safe to call only from the Run goroutine or after Stop has returned;
// LW has exactly one mutator.
func (p *Processor) LowWatermark() uint64 { return p.lowWatermark }

// Run drains the request ring on the calling goroutine until Stop is
// called. It is meant to be run via `go p.Run(ctx)` and is the one and
// only consumer of the request ring.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		e, ok := p.requests.TryNext()
		if !ok {
			runtime.Gosched()
			continue
		}
		p.tick(ctx, e)
		p.requests.Release()
	}
}

// tick processes exactly one event, recovering from any panic in decision
// logic the way Omid's FatalExceptionHandler does for its disruptor
// consumer: log fatally and stop consuming, rather than silently wedging.
func (p *Processor) tick(ctx context.Context, e *events.RequestEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.panicker.Panic("request processor: decision logic panicked", zap.String("recover", fmt.Sprint(r)))
		}
	}()

	switch e.Kind() {
	case events.RequestTimestamp:
		p.handleTimestamp(ctx, e.Client())
	case events.RequestCommit:
		p.handleCommit(ctx, e.StartTS(), e.Rows(), e.IsRetry(), e.Client())
	}
}

// Stop signals Run to return and waits for it to do so. Callers must stop
// issuing TimestampRequest/CommitRequest before calling Stop: an event
// claimed concurrently with shutdown is not guaranteed to be processed.
func (p *Processor) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Processor) handleTimestamp(ctx context.Context, c client.Client) {
	metrics.RequestsTotal.WithLabelValues("timestamp").Inc()
	ts := p.oracle.Next(ctx)
	p.persist.Claim(func(e *events.PersistEvent) {
		events.MakeTimestampPersist(e, ts, c)
	})
}

// handleCommit runs the watermark check, conflict scan, and commit steps
// that decide whether a transaction commits or aborts.
func (p *Processor) handleCommit(ctx context.Context, startTS uint64, rows []uint64, isRetry bool, c client.Client) {
	metrics.RequestsTotal.WithLabelValues("commit").Inc()

	// 1. Watermark check.
	if startTS <= p.lowWatermark {
		metrics.AbortsTotal.WithLabelValues("watermark").Inc()
		p.persist.Claim(func(e *events.PersistEvent) {
			events.MakeAbortPersist(e, startTS, isRetry, c)
		})
		return
	}

	// 2. Conflict check: iterate rows in order, abort and stop scanning on
	// the first conflict. M[R] == startTS is itself a conflict (a
	// transaction cannot write to a cell at its own start).
	for _, row := range rows {
		if ts, ok := p.hashmap.Get(row); ok && ts >= startTS {
			metrics.AbortsTotal.WithLabelValues("conflict").Inc()
			p.persist.Claim(func(e *events.PersistEvent) {
				events.MakeAbortPersist(e, startTS, isRetry, c)
			})
			return
		}
	}

	// 3. Commit: allocate commit_ts, then fold every write into M, raising
	// LW to cover anything that eviction forgot.
	commitTS := p.oracle.Next(ctx)
	newLW := p.lowWatermark
	for _, row := range rows {
		evictedRow, evictedTS, evicted := p.hashmap.Put(row, commitTS)
		_ = evictedRow
		if evicted {
			metrics.ConflictMapEvictionsTotal.Inc()
			if evictedTS > newLW {
				newLW = evictedTS
			}
		}
	}
	if newLW != p.lowWatermark {
		p.lowWatermark = newLW
		metrics.LowWatermark.Set(float64(newLW))
		p.persist.Claim(func(e *events.PersistEvent) {
			events.MakeLowWatermarkPersist(e, newLW)
		})
	}

	metrics.CommitsTotal.Inc()
	// 4. Forward the commit decision.
	p.persist.Claim(func(e *events.PersistEvent) {
		events.MakeCommitPersist(e, startTS, commitTS, c)
	})
	log.Debug("request processor: committed",
		zap.Uint64("start_ts", startTS), zap.Uint64("commit_ts", commitTS), zap.Int("rows", len(rows)))
}
