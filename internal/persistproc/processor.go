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

// Package persistproc implements the Persistence Processor: the single
// consumer of the persistence ring that batches decisions, makes them
// durable with one fsync barrier per batch, and only then releases replies
// to the network layer.
package persistproc

import (
	"runtime"
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/oracle-tso/internal/client"
	"github.com/pingcap-incubator/oracle-tso/internal/commitlog"
	"github.com/pingcap-incubator/oracle-tso/internal/events"
	"github.com/pingcap-incubator/oracle-tso/internal/metrics"
	"github.com/pingcap-incubator/oracle-tso/internal/panicker"
	"github.com/pingcap-incubator/oracle-tso/internal/ring"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const btreeDegree = 32

// lwItem is the btree.Item wrapping a pending low-watermark value seen
// within the current batch window; Max() on the tree picks the coalesced
// value to actually write without re-scanning every event in the batch.
type lwItem uint64

func (a lwItem) Less(than btree.Item) bool { return a < than.(lwItem) }

// Processor drains the persistence ring, batches up to BatchSize events or
// BatchTimeout (whichever comes first), and appends the resulting records
// to the commit log behind one durability barrier per batch.
type Processor struct {
	ring     *ring.Ring[events.PersistEvent]
	log      *commitlog.Log
	panicker panicker.Panicker

	batchSize    int
	batchTimeout time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// pendingReply pairs a durable record with the client it must be reported
// to once the batch's barrier returns, preserving per-client issue order.
type pendingReply struct {
	client client.Client
	reply  client.Reply
}

// New constructs a Processor. batchSize and batchTimeout bound how long a
// batch is allowed to accumulate before it is flushed; a zero timeout
// disables the timer trigger, and a batch is then flushed as soon as the
// ring has nothing more published (or batchSize is reached).
func New(r *ring.Ring[events.PersistEvent], l *commitlog.Log, batchSize int, batchTimeout time.Duration, p panicker.Panicker) *Processor {
	if batchSize <= 0 {
		batchSize = 256
	}
	return &Processor{
		ring:         r,
		log:          l,
		panicker:     p,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run drains the persistence ring on the calling goroutine until Stop is
// called. Meant to be run via `go p.Run()`.
func (p *Processor) Run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.tick()
	}
}

// Stop signals Run to return after its in-flight batch, if any, is flushed,
// and waits for it to do so. An event claimed on the ring concurrently with
// shutdown is not guaranteed to be picked up into that batch first.
func (p *Processor) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// tick accumulates one batch and flushes it. It blocks (busy-polling the
// ring) until at least one event arrives, then keeps draining until
// batchSize is reached or batchTimeout elapses since the first event of
// the batch, whichever comes first. With no timeout it stops draining as
// soon as the ring is momentarily empty.
func (p *Processor) tick() {
	var deadline <-chan time.Time
	var records []commitlog.Record
	var replies []pendingReply
	var lwSeen *btree.BTree

	appendEvent := func(e *events.PersistEvent) {
		switch e.Kind() {
		case events.PersistTimestamp:
			records = append(records, commitlog.Record{Kind: commitlog.KindTimestamp, CommitTS: e.Timestamp()})
			replies = append(replies, pendingReply{e.Client(), client.TimestampResponse{TS: e.Timestamp()}})
		case events.PersistCommit:
			records = append(records, commitlog.Record{Kind: commitlog.KindCommit, StartTS: e.StartTS(), CommitTS: e.CommitTS()})
			replies = append(replies, pendingReply{e.Client(), client.CommitResponse{StartTS: e.StartTS(), CommitTS: e.CommitTS()}})
		case events.PersistAbort:
			records = append(records, commitlog.Record{Kind: commitlog.KindAbort, StartTS: e.StartTS(), IsRetry: e.IsRetry()})
			replies = append(replies, pendingReply{e.Client(), client.AbortResponse{StartTS: e.StartTS(), IsRetry: e.IsRetry()}})
		case events.PersistLowWatermark:
			if lwSeen == nil {
				lwSeen = btree.New(btreeDegree)
			}
			lwSeen.ReplaceOrInsert(lwItem(e.LowWatermark()))
		}
	}

	// Block for the first event of the batch.
	var e *events.PersistEvent
	var ok bool
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		e, ok = p.ring.TryNext()
		if ok {
			break
		}
		runtime.Gosched()
	}
	appendEvent(e)
	p.ring.Release()
	if p.batchTimeout > 0 {
		timer := time.NewTimer(p.batchTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for len(records) < p.batchSize {
		if n := p.ring.Drain(p.batchSize-len(records), appendEvent); n > 0 {
			continue
		}
		select {
		case <-deadline:
			deadline = nil
		default:
			if deadline == nil {
				// No timer configured and nothing pending right now: this
				// batch is as big as it's going to get without waiting.
				goto flush
			}
			runtime.Gosched()
			continue
		}
		break
	}

flush:
	if lwSeen != nil && lwSeen.Len() > 0 {
		highest := uint64(lwSeen.Max().(lwItem))
		records = append(records, commitlog.Record{Kind: commitlog.KindLowWatermark, LW: highest})
	}

	start := time.Now()
	if err := p.log.AppendBatch(records); err != nil {
		p.panicker.Panic("persistence processor: commit log append failed", zap.Error(err))
		return
	}
	metrics.PersistBatchSize.Observe(float64(len(records)))
	metrics.PersistBatchLatencySeconds.Observe(time.Since(start).Seconds())

	for _, pr := range replies {
		if pr.client == nil {
			continue
		}
		pr.client.SendReply(pr.reply)
	}
	log.Debug("persistence processor: flushed batch", zap.Int("records", len(records)))
}
