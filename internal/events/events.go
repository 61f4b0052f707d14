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

// Package events defines the two tagged-union event shapes that flow
// through the ring buffers: RequestEvent (client -> request processor) and
// PersistEvent (request processor -> persistence processor). Both are
// designed to live inside preallocated ring slots and be mutated in place,
// so neither type owns a pointer that requires cleanup between uses.
package events

import "github.com/pingcap-incubator/oracle-tso/internal/client"

// inlineRows bounds the number of row fingerprints a RequestEvent can carry
// without spilling to a heap-allocated slice. 40 is the original Apache Omid
// TSO's RequestEvent.MAX_INLINE constant; write-sets of ordinary
// transactions fit comfortably under it.
const inlineRows = 40

// RequestKind tags the two shapes a RequestEvent can take.
type RequestKind uint8

const (
	// RequestTimestamp asks for a fresh start timestamp.
	RequestTimestamp RequestKind = iota
	// RequestCommit asks the oracle to validate and commit a write-set.
	RequestCommit
)

// RequestEvent is a preallocated, in-place-mutated slot in the request ring.
// Producers (network worker goroutines) call one of the Make* functions to
// turn a free slot into a specific request; the request processor reads it
// back out with Kind/StartTS/Rows/IsRetry/Client.
type RequestEvent struct {
	kind    RequestKind
	client  client.Client
	startTS uint64
	isRetry bool

	numRows  int
	inline   [inlineRows]uint64
	overflow []uint64 // used when numRows > inlineRows
}

// MakeTimestampRequest turns e into a Timestamp request.
func MakeTimestampRequest(e *RequestEvent, c client.Client) {
	e.kind = RequestTimestamp
	e.client = c
	e.startTS = 0
}

// MakeCommitRequest turns e into a Commit request. rows is copied into the
// slot's inline array (or, for write-sets larger than inlineRows, retained
// by reference in overflow, the one allocation this path can still incur,
// same trade-off the Omid original makes).
func MakeCommitRequest(e *RequestEvent, startTS uint64, rows []uint64, isRetry bool, c client.Client) {
	e.kind = RequestCommit
	e.client = c
	e.startTS = startTS
	e.isRetry = isRetry
	e.numRows = len(rows)
	if len(rows) > inlineRows {
		e.overflow = rows
		return
	}
	e.overflow = nil
	copy(e.inline[:], rows)
}

// Kind reports which shape the event currently holds.
func (e *RequestEvent) Kind() RequestKind { return e.kind }

// Client returns the opaque reply handle for this event.
func (e *RequestEvent) Client() client.Client { return e.client }

// StartTS returns the commit request's start timestamp (zero for a
// Timestamp request).
func (e *RequestEvent) StartTS() uint64 { return e.startTS }

// IsRetry reports whether this commit request is a client-driven retry.
func (e *RequestEvent) IsRetry() bool { return e.isRetry }

// Rows returns the write-set row fingerprints. The returned slice is only
// valid until the slot is reused by a producer; callers that need to retain
// it past the current onEvent call must copy it.
func (e *RequestEvent) Rows() []uint64 {
	if e.overflow != nil {
		return e.overflow
	}
	return e.inline[:e.numRows]
}

// PersistKind tags the four shapes a PersistEvent can take.
type PersistKind uint8

const (
	PersistTimestamp PersistKind = iota
	PersistCommit
	PersistAbort
	PersistLowWatermark
)

// PersistEvent is a preallocated, in-place-mutated slot in the persistence
// ring, produced exclusively by the request processor.
type PersistEvent struct {
	kind      PersistKind
	client    client.Client // nil for PersistLowWatermark
	startTS   uint64
	commitTS  uint64
	isRetry   bool
	lowWaterM uint64
}

// MakeTimestampPersist turns e into a durable-timestamp record.
func MakeTimestampPersist(e *PersistEvent, ts uint64, c client.Client) {
	*e = PersistEvent{kind: PersistTimestamp, client: c, commitTS: ts}
}

// MakeCommitPersist turns e into a durable-commit record.
func MakeCommitPersist(e *PersistEvent, startTS, commitTS uint64, c client.Client) {
	*e = PersistEvent{kind: PersistCommit, client: c, startTS: startTS, commitTS: commitTS}
}

// MakeAbortPersist turns e into a durable-abort record.
func MakeAbortPersist(e *PersistEvent, startTS uint64, isRetry bool, c client.Client) {
	*e = PersistEvent{kind: PersistAbort, client: c, startTS: startTS, isRetry: isRetry}
}

// MakeLowWatermarkPersist turns e into a low-watermark advance record. It
// carries no client: nobody is replied to directly for a watermark advance.
func MakeLowWatermarkPersist(e *PersistEvent, lw uint64) {
	*e = PersistEvent{kind: PersistLowWatermark, lowWaterM: lw}
}

func (e *PersistEvent) Kind() PersistKind     { return e.kind }
func (e *PersistEvent) Client() client.Client { return e.client }
func (e *PersistEvent) StartTS() uint64       { return e.startTS }
func (e *PersistEvent) CommitTS() uint64      { return e.commitTS }
func (e *PersistEvent) IsRetry() bool         { return e.isRetry }
func (e *PersistEvent) LowWatermark() uint64  { return e.lowWaterM }

// Timestamp is an alias for CommitTS used when Kind == PersistTimestamp, to
// keep call sites self-documenting.
func (e *PersistEvent) Timestamp() uint64 { return e.commitTS }
