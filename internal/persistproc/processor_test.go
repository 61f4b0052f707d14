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

package persistproc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap-incubator/oracle-tso/internal/client"
	"github.com/pingcap-incubator/oracle-tso/internal/commitlog"
	"github.com/pingcap-incubator/oracle-tso/internal/events"
	"github.com/pingcap-incubator/oracle-tso/internal/panicker"
	"github.com/pingcap-incubator/oracle-tso/internal/ring"
)

type capturingClient struct {
	replies chan client.Reply
}

func newCapturingClient() *capturingClient {
	return &capturingClient{replies: make(chan client.Reply, 8)}
}

func (c *capturingClient) SendReply(msg client.Reply) {
	c.replies <- msg
}

func (c *capturingClient) waitReply(t *testing.T) client.Reply {
	t.Helper()
	select {
	case r := <-c.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return nil
	}
}

func openLog(t *testing.T) *commitlog.Log {
	t.Helper()
	l, err := commitlog.Open(filepath.Join(t.TempDir(), "commit.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCommitReplyReleasedAfterDurability(t *testing.T) {
	l := openLog(t)
	r := ring.New[events.PersistEvent](64)
	p := New(r, l, 4, 5*time.Millisecond, &panicker.Recording{})
	go p.Run()
	t.Cleanup(p.Stop)

	c := newCapturingClient()
	r.Claim(func(e *events.PersistEvent) { events.MakeCommitPersist(e, 10, 11, c) })

	reply := c.waitReply(t)
	resp, ok := reply.(client.CommitResponse)
	if !ok {
		t.Fatalf("reply type = %T, want CommitResponse", reply)
	}
	if resp.StartTS != 10 || resp.CommitTS != 11 {
		t.Fatalf("reply = %+v, want start_ts=10 commit_ts=11", resp)
	}

	if outcome, ok := l.Recent(10); !ok || !outcome.Committed || outcome.CommitTS != 11 {
		t.Fatalf("commit log did not durably record the commit before replying: %+v, %v", outcome, ok)
	}
}

func TestLowWatermarkCoalescedToHighest(t *testing.T) {
	l := openLog(t)
	r := ring.New[events.PersistEvent](64)
	p := New(r, l, 8, 20*time.Millisecond, &panicker.Recording{})
	go p.Run()
	t.Cleanup(p.Stop)

	r.Claim(func(e *events.PersistEvent) { events.MakeLowWatermarkPersist(e, 5) })
	r.Claim(func(e *events.PersistEvent) { events.MakeLowWatermarkPersist(e, 12) })
	r.Claim(func(e *events.PersistEvent) { events.MakeLowWatermarkPersist(e, 8) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.HighestLowWatermark() == 12 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("HighestLowWatermark() = %d, want 12", l.HighestLowWatermark())
}

func TestClosedClientReplyIsDropped(t *testing.T) {
	l := openLog(t)
	r := ring.New[events.PersistEvent](64)
	p := New(r, l, 4, 5*time.Millisecond, &panicker.Recording{})
	go p.Run()
	t.Cleanup(p.Stop)

	// A nil client models a network layer that has already dropped the
	// connection; the persistence processor must not panic sending to it.
	r.Claim(func(e *events.PersistEvent) { events.MakeAbortPersist(e, 3, false, nil) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if outcome, ok := l.Recent(3); ok && !outcome.Committed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("abort record for start_ts=3 never became durable")
}
