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

package commitlog

import (
	"path/filepath"
	"testing"
)

func TestAppendAndReplayRecoversLowWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commit.log")

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AppendBatch([]Record{
		{Kind: KindCommit, StartTS: 1, CommitTS: 4},
		{Kind: KindLowWatermark, LW: 10},
		{Kind: KindAbort, StartTS: 5, IsRetry: true},
		{Kind: KindLowWatermark, LW: 25},
	}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if lw := reopened.HighestLowWatermark(); lw != 25 {
		t.Fatalf("HighestLowWatermark() = %d, want 25", lw)
	}
	outcome, ok := reopened.Recent(1)
	if !ok || !outcome.Committed || outcome.CommitTS != 4 {
		t.Fatalf("Recent(1) = %+v, %v; want committed at 4", outcome, ok)
	}
	outcome, ok = reopened.Recent(5)
	if !ok || outcome.Committed {
		t.Fatalf("Recent(5) = %+v, %v; want an uncommitted abort", outcome, ok)
	}
	if _, ok := reopened.Recent(999); ok {
		t.Fatal("Recent(999) should be absent")
	}
}

func TestAppendBatchIsDurableBeforeReturning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commit.log")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := l.AppendBatch([]Record{
		{Kind: KindTimestamp, CommitTS: 42},
		{Kind: KindCommit, StartTS: 40, CommitTS: 43},
	}); err != nil {
		t.Fatal(err)
	}
	// A second Log opened against the same path without Close()ing the
	// first must still observe the flushed+synced record.
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if outcome, ok := reopened.Recent(40); !ok || !outcome.Committed || outcome.CommitTS != 43 {
		t.Fatalf("Recent(40) = %+v, %v; want committed at 43", outcome, ok)
	}
	if _, ok := reopened.Recent(0); ok {
		t.Fatal("a Timestamp record has no start_ts outcome to remember")
	}
}
