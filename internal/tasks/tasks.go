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

// Package tasks implements the long-running task store: pollable handles
// with status, TTL expiry, cancellation and terminal-state eviction.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/protocol"
)

// DefaultSweepInterval is how often the background sweeper scans for
// expired and evictable tasks.
const DefaultSweepInterval = 30 * time.Second

// DefaultTTL bounds tasks created without an explicit TTL.
const DefaultTTL = 10 * time.Minute

// ErrNotFound reports an unknown or already-evicted task id.
var ErrNotFound = errors.New("task not found")

// ErrTerminal rejects a producer transition on a task that already reached
// a terminal state.
var ErrTerminal = errors.New("task already terminal")

// task is one store record. Mutations go through the store mutex; only the
// producer may complete or fail it.
type task struct {
	id            string
	sessionID     string
	originRequest jsonrpc.ID
	createdAt     time.Time
	ttl           time.Duration

	status     protocol.TaskStatus
	terminalAt time.Time
	result     json.RawMessage
	taskErr    *jsonrpc.RPCError

	cancel   context.CancelFunc
	awaiters []chan protocol.TaskSnapshot
}

// Store is a concurrent keyed task store. A single Store serves every
// session of a server. List is scoped by session id; Get and Cancel address
// a task by its id alone.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*task

	sweepInterval time.Duration
	now           func() time.Time

	// onStatus is invoked outside the store lock after a status change.
	onStatus func(sessionID string, snap protocol.TaskSnapshot)
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStatusHook registers a callback fired on every status transition.
func WithStatusHook(fn func(sessionID string, snap protocol.TaskSnapshot)) Option {
	return func(s *Store) { s.onStatus = fn }
}

// NewStore returns an empty task store. Run starts the sweeper.
func NewStore(opts ...Option) *Store {
	s := &Store{
		tasks:         make(map[string]*task),
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps the store until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Handle is the producer's grip on one task, by id. The task record, owned
// by the store, carries the originating session and request.
type Handle struct {
	store *Store
	id    string
}

// ID returns the opaque task id (distinct from any JSON-RPC id).
func (h *Handle) ID() string { return h.id }

// Create registers a new task in Working status and returns its handle.
// cancel is fired on Cancel and on TTL expiry.
func (s *Store) Create(sessionID string, originRequest jsonrpc.ID, ttl time.Duration, cancel context.CancelFunc) *Handle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &task{
		id:            uuid.New().String(),
		sessionID:     sessionID,
		originRequest: originRequest,
		createdAt:     s.now(),
		ttl:           ttl,
		status:        protocol.TaskWorking,
		cancel:        cancel,
	}
	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()
	return &Handle{store: s, id: t.id}
}

// Get returns a snapshot of the task, or ErrNotFound.
func (s *Store) Get(taskID string) (protocol.TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return protocol.TaskSnapshot{}, ErrNotFound
	}
	return t.snapshotLocked(), nil
}

// List returns snapshots of every task belonging to a session, ordered by
// creation time.
func (s *Store) List(sessionID string) []protocol.TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.TaskSnapshot
	for _, t := range s.tasks {
		if t.sessionID == sessionID {
			out = append(out, t.snapshotLocked())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel requests termination of a task. It is idempotent after a terminal
// transition and for unknown ids.
func (s *Store) Cancel(taskID string) {
	s.transition(taskID, protocol.TaskCancelled, nil, nil, true)
}

// Complete publishes the task result. Only the producer may invoke it.
func (h *Handle) Complete(result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return h.store.transition(h.id, protocol.TaskCompleted, raw, nil, false)
}

// Fail records the task error. Only the producer may invoke it.
func (h *Handle) Fail(taskErr *jsonrpc.RPCError) error {
	return h.store.transition(h.id, protocol.TaskFailed, nil, taskErr, false)
}

// InputRequired marks the task as waiting on user input.
func (h *Handle) InputRequired() error {
	return h.store.transition(h.id, protocol.TaskInputRequired, nil, nil, false)
}

// Working returns the task to active status after input arrived.
func (h *Handle) Working() error {
	return h.store.transition(h.id, protocol.TaskWorking, nil, nil, false)
}

// Snapshot returns the current task state.
func (h *Handle) Snapshot() (protocol.TaskSnapshot, error) {
	return h.store.Get(h.id)
}

// Await blocks until the task reaches a terminal state or ctx ends.
func (s *Store) Await(ctx context.Context, taskID string) (protocol.TaskSnapshot, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return protocol.TaskSnapshot{}, ErrNotFound
	}
	if t.status.Terminal() {
		snap := t.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	ch := make(chan protocol.TaskSnapshot, 1)
	t.awaiters = append(t.awaiters, ch)
	s.mu.Unlock()

	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return protocol.TaskSnapshot{}, ctx.Err()
	}
}

// transition applies a status change. Terminal states win exactly once;
// idempotent cancels are tolerated when tolerateTerminal is set.
func (s *Store) transition(taskID string, status protocol.TaskStatus, result json.RawMessage, taskErr *jsonrpc.RPCError, tolerateTerminal bool) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		if tolerateTerminal {
			return nil
		}
		return ErrNotFound
	}
	if t.status.Terminal() {
		s.mu.Unlock()
		if tolerateTerminal {
			return nil
		}
		return ErrTerminal
	}
	t.status = status
	t.result = result
	t.taskErr = taskErr
	var cancel context.CancelFunc
	var awaiters []chan protocol.TaskSnapshot
	if status.Terminal() {
		t.terminalAt = s.now()
		awaiters = t.awaiters
		t.awaiters = nil
		if status == protocol.TaskCancelled || status == protocol.TaskExpired {
			cancel = t.cancel
		}
	}
	snap := t.snapshotLocked()
	sessionID := t.sessionID
	hook := s.onStatus
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range awaiters {
		ch <- snap
	}
	if hook != nil {
		hook(sessionID, snap)
	}
	return nil
}

// Sweep expires overdue non-terminal tasks and evicts terminal tasks whose
// polling window elapsed. Terminal tasks are retained for their TTL after
// the terminal transition so clients keep a polling window.
func (s *Store) Sweep() {
	now := s.now()

	s.mu.Lock()
	var expire []string
	for id, t := range s.tasks {
		switch {
		case !t.status.Terminal() && now.Sub(t.createdAt) > t.ttl:
			expire = append(expire, id)
		case t.status.Terminal() && now.Sub(t.terminalAt) > t.ttl:
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expire {
		_ = s.transition(id, protocol.TaskExpired, nil, nil, true)
	}
}

// DropSession cancels and forgets every task belonging to a session.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for id, t := range s.tasks {
		if t.sessionID != sessionID {
			continue
		}
		if !t.status.Terminal() && t.cancel != nil {
			cancels = append(cancels, t.cancel)
		}
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Len reports how many tasks are currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (t *task) snapshotLocked() protocol.TaskSnapshot {
	return protocol.TaskSnapshot{
		TaskID:        t.id,
		Status:        t.status,
		CreatedAt:     t.createdAt,
		TTL:           protocol.Duration(t.ttl),
		OriginRequest: t.originRequest,
		Result:        t.result,
		Error:         t.taskErr,
	}
}
