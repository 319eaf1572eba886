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

package transport

import (
	"errors"
	"sync"
)

// DefaultReplayBufferSize is the default per-session replay ring capacity,
// in events.
const DefaultReplayBufferSize = 1024

// ErrReplayRangeLost reports that a reconnect asked for events already
// evicted from the head of the ring; the session cannot satisfy the resume
// and the stream must be treated as lost.
var ErrReplayRangeLost = errors.New("requested events no longer in replay buffer")

// replayEntry is one buffered event plus the logical stream it was routed
// to (0 is the server-initiated GET stream; POST response streams are > 0).
type replayEntry struct {
	evt    event
	stream uint64
}

// replayBuffer is the per-session bounded ring of emitted events. It is
// written by the session's exclusive writer; reconnecting consumers take a
// snapshot under the lock. Event ids start at 1 and increase by exactly one
// per append; overflow drops entries from the head.
type replayBuffer struct {
	mu      sync.Mutex
	size    int
	entries []replayEntry
	nextID  uint64
	evicted int64
}

func newReplayBuffer(size int) *replayBuffer {
	if size <= 0 {
		size = DefaultReplayBufferSize
	}
	return &replayBuffer{size: size, nextID: 1}
}

// append assigns the next event id to data and records it.
func (b *replayBuffer) append(stream uint64, name string, data []byte) event {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt := event{id: b.nextID, name: name, data: data}
	b.nextID++
	b.entries = append(b.entries, replayEntry{evt: evt, stream: stream})
	if len(b.entries) > b.size {
		drop := len(b.entries) - b.size
		b.entries = b.entries[drop:]
		b.evicted += int64(drop)
	}
	return evt
}

// firstIDLocked returns the oldest retained event id, or 0 when nothing is
// retained. The caller holds b.mu.
func (b *replayBuffer) firstIDLocked() uint64 {
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[0].evt.id
}

// since snapshots every retained event with id > after, in order. It
// returns ErrReplayRangeLost when events between after and the ring head
// were evicted.
func (b *replayBuffer) since(after uint64) ([]event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	first := b.firstIDLocked()
	if first == 0 {
		// Nothing retained: a resume is only valid if the client is already
		// caught up with everything ever assigned.
		if after+1 < b.nextID {
			return nil, ErrReplayRangeLost
		}
		return nil, nil
	}
	if after+1 < first {
		return nil, ErrReplayRangeLost
	}
	var out []event
	for _, e := range b.entries {
		if e.evt.id > after {
			out = append(out, e.evt)
		}
	}
	return out, nil
}

// sinceStream snapshots retained events for one logical stream with
// id > after, in order.
func (b *replayBuffer) sinceStream(stream, after uint64) []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event
	for _, e := range b.entries {
		if e.stream == stream && e.evt.id > after {
			out = append(out, e.evt)
		}
	}
	return out
}

// evictions returns how many entries have been dropped from the head.
func (b *replayBuffer) evictions() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
