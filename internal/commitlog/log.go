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

// Package commitlog implements the durable, append-only commit log the
// persistence processor writes to before releasing any reply. Records are
// length-prefixed and kind-tagged; a durability barrier (fsync) separates
// "written" from "visible to clients".
package commitlog

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Kind tags a record on the wire.
type Kind uint8

const (
	KindTimestamp    Kind = 1
	KindCommit       Kind = 2
	KindAbort        Kind = 3
	KindLowWatermark Kind = 4
)

// Record is one durable log entry. Which fields are meaningful depends on
// Kind, mirroring the PersistEvent shapes it's derived from.
type Record struct {
	Kind     Kind
	StartTS  uint64
	CommitTS uint64
	IsRetry  bool
	LW       uint64
}

// recentRetention bounds how many recent start_ts -> outcome mappings the
// log keeps in memory for Recent lookups. It is a window, not a correctness
// requirement: the request processor re-decides every commit, retried or
// not, and persistproc does not consult this index.
const recentRetention = 65536

// Outcome is what the log remembers about a decided start_ts.
type Outcome struct {
	Committed bool
	CommitTS  uint64 // meaningful only if Committed
}

// Log is the append-only commit log file plus the in-memory indices
// rebuilt from it at Open time (highest low-watermark, recent decisions).
type Log struct {
	f    *os.File
	w    *bufio.Writer
	size int64

	highestLW uint64
	recent    map[uint64]Outcome
	recentQ   []uint64 // FIFO eviction order for recent
}

// Open opens (creating if necessary) the log file at path and replays it to
// reconstruct the highest durable low-watermark and the recent-decisions
// index.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "commitlog: open")
	}
	l := &Log{
		f:      f,
		recent: make(map[uint64]Outcome),
	}
	if err := l.replay(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "commitlog: seek to end")
	}
	l.w = bufio.NewWriter(f)
	return l, nil
}

// HighestLowWatermark returns the highest LW value seen during replay, the
// initial low-watermark the request processor should start with.
func (l *Log) HighestLowWatermark() uint64 { return l.highestLW }

// Recent looks up a previously durable decision for startTS, for the
// idempotent-retry short-circuit. ok is false if startTS fell outside the
// retention window or was never decided.
func (l *Log) Recent(startTS uint64) (Outcome, bool) {
	o, ok := l.recent[startTS]
	return o, ok
}

func (l *Log) replay() error {
	r := bufio.NewReader(l.f)
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "commitlog: replay")
		}
		l.apply(rec)
	}
}

func (l *Log) apply(rec Record) {
	switch rec.Kind {
	case KindLowWatermark:
		if rec.LW > l.highestLW {
			l.highestLW = rec.LW
		}
	case KindCommit:
		l.remember(rec.StartTS, Outcome{Committed: true, CommitTS: rec.CommitTS})
	case KindAbort:
		l.remember(rec.StartTS, Outcome{Committed: false})
	}
}

func (l *Log) remember(startTS uint64, o Outcome) {
	if _, exists := l.recent[startTS]; !exists {
		l.recentQ = append(l.recentQ, startTS)
		if len(l.recentQ) > recentRetention {
			oldest := l.recentQ[0]
			l.recentQ = l.recentQ[1:]
			delete(l.recent, oldest)
		}
	}
	l.recent[startTS] = o
}

// AppendBatch writes every record in the batch, then issues a single
// durability barrier (fsync) for the whole batch. Replies for any of these
// records must not be released before AppendBatch returns nil.
func (l *Log) AppendBatch(records []Record) error {
	for _, rec := range records {
		if err := writeRecord(l.w, rec); err != nil {
			return errors.Wrap(err, "commitlog: write")
		}
		l.apply(rec)
	}
	if err := l.w.Flush(); err != nil {
		return errors.Wrap(err, "commitlog: flush")
	}
	if err := l.f.Sync(); err != nil {
		return errors.Wrap(err, "commitlog: fsync barrier")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// record wire format: [4-byte big-endian length][1-byte kind][payload].
// length counts only the payload, not the kind byte.
func writeRecord(w io.Writer, rec Record) error {
	var payload []byte
	switch rec.Kind {
	case KindTimestamp:
		payload = make([]byte, 8)
		binary.BigEndian.PutUint64(payload, rec.CommitTS)
	case KindCommit:
		payload = make([]byte, 16)
		binary.BigEndian.PutUint64(payload[0:8], rec.StartTS)
		binary.BigEndian.PutUint64(payload[8:16], rec.CommitTS)
	case KindAbort:
		payload = make([]byte, 9)
		binary.BigEndian.PutUint64(payload[0:8], rec.StartTS)
		if rec.IsRetry {
			payload[8] = 1
		}
	case KindLowWatermark:
		payload = make([]byte, 8)
		binary.BigEndian.PutUint64(payload, rec.LW)
	default:
		return errors.Errorf("commitlog: unknown record kind %d", rec.Kind)
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(rec.Kind)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRecord(r io.Reader) (Record, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Record{}, err // includes io.EOF on a clean boundary
	}
	length := binary.BigEndian.Uint32(header[0:4])
	kind := Kind(header[4])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF // a truncated final record is corruption, not a clean boundary
		}
		return Record{}, err
	}

	rec := Record{Kind: kind}
	switch kind {
	case KindTimestamp:
		rec.CommitTS = binary.BigEndian.Uint64(payload)
	case KindCommit:
		rec.StartTS = binary.BigEndian.Uint64(payload[0:8])
		rec.CommitTS = binary.BigEndian.Uint64(payload[8:16])
	case KindAbort:
		rec.StartTS = binary.BigEndian.Uint64(payload[0:8])
		rec.IsRetry = payload[8] != 0
	case KindLowWatermark:
		rec.LW = binary.BigEndian.Uint64(payload)
	default:
		return Record{}, errors.Errorf("commitlog: unknown record kind %d", kind)
	}
	return rec, nil
}
