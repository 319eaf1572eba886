// Copyright 2025 Altimeter Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/protocol"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	return NewStore(WithClock(clock.Now)), clock
}

func TestTaskLifecycle(t *testing.T) {
	store, _ := newTestStore()
	_, cancel := context.WithCancel(context.Background())

	h := store.Create("sess-1", jsonrpc.NumberID(4), time.Minute, cancel)
	snap, err := store.Get(h.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Status != protocol.TaskWorking {
		t.Errorf("status = %s, want working", snap.Status)
	}
	if snap.OriginRequest != jsonrpc.NumberID(4) {
		t.Errorf("origin = %s", snap.OriginRequest)
	}

	if err := h.Complete(map[string]any{"answer": 42}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	snap, _ = store.Get(h.ID())
	if snap.Status != protocol.TaskCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	if len(snap.Result) == 0 {
		t.Error("result missing")
	}

	// Terminal on first transition: further producer calls fail.
	if err := h.Fail(&jsonrpc.RPCError{Code: -1, Message: "late"}); err != ErrTerminal {
		t.Errorf("Fail after Complete = %v, want ErrTerminal", err)
	}
	// Cancel after terminal is idempotent.
	store.Cancel(h.ID())
	snap, _ = store.Get(h.ID())
	if snap.Status != protocol.TaskCompleted {
		t.Errorf("cancel after terminal changed status to %s", snap.Status)
	}
}

func TestTaskCancelFiresSignal(t *testing.T) {
	store, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())

	h := store.Create("sess-1", jsonrpc.ID{}, time.Minute, cancel)
	store.Cancel(h.ID())

	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancellation signal did not fire")
	}
	snap, _ := store.Get(h.ID())
	if snap.Status != protocol.TaskCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
}

// A task created with TTL=T in working status transitions to expired (and
// its cancellation fires) once a sweep runs past create+T.
func TestTaskTTLExpiry(t *testing.T) {
	store, clock := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())

	h := store.Create("sess-1", jsonrpc.ID{}, time.Second, cancel)

	clock.Advance(500 * time.Millisecond)
	store.Sweep()
	if snap, _ := store.Get(h.ID()); snap.Status != protocol.TaskWorking {
		t.Fatalf("premature expiry: %s", snap.Status)
	}

	clock.Advance(time.Second)
	store.Sweep()
	snap, err := store.Get(h.ID())
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if snap.Status != protocol.TaskExpired {
		t.Errorf("status = %s, want expired", snap.Status)
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("expiry must fire the cancellation signal")
	}
}

// Terminal tasks are evicted TTL after the terminal transition, leaving a
// polling window.
func TestTerminalEviction(t *testing.T) {
	store, clock := newTestStore()
	_, cancel := context.WithCancel(context.Background())

	h := store.Create("sess-1", jsonrpc.ID{}, time.Second, cancel)
	if err := h.Complete("done"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(500 * time.Millisecond)
	store.Sweep()
	if _, err := store.Get(h.ID()); err != nil {
		t.Fatal("task evicted inside the polling window")
	}

	clock.Advance(time.Second)
	store.Sweep()
	if _, err := store.Get(h.ID()); err != ErrNotFound {
		t.Errorf("Get after eviction = %v, want ErrNotFound", err)
	}
}

func TestAwait(t *testing.T) {
	store, _ := newTestStore()
	_, cancel := context.WithCancel(context.Background())
	h := store.Create("sess-1", jsonrpc.ID{}, time.Minute, cancel)

	done := make(chan protocol.TaskSnapshot, 1)
	go func() {
		snap, err := store.Await(context.Background(), h.ID())
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- snap
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h.Complete("ok"); err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-done:
		if snap.Status != protocol.TaskCompleted {
			t.Errorf("awaited status = %s", snap.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await never fired")
	}
}

func TestListAndDropSession(t *testing.T) {
	store, _ := newTestStore()
	_, cancel := context.WithCancel(context.Background())

	store.Create("sess-1", jsonrpc.ID{}, time.Minute, cancel)
	store.Create("sess-1", jsonrpc.ID{}, time.Minute, cancel)
	store.Create("sess-2", jsonrpc.ID{}, time.Minute, cancel)

	if got := len(store.List("sess-1")); got != 2 {
		t.Errorf("List(sess-1) = %d, want 2", got)
	}
	store.DropSession("sess-1")
	if got := len(store.List("sess-1")); got != 0 {
		t.Errorf("List after drop = %d, want 0", got)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}
