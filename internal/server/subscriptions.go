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

package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/altimeterlabs/mcpd/internal/log"
	"github.com/altimeterlabs/mcpd/internal/protocol"
	"github.com/altimeterlabs/mcpd/internal/session"
	"github.com/altimeterlabs/mcpd/internal/telemetry"
)

// subscriptionManager tracks every live session and fans resource-change
// notifications out to subscribers. Subscription sets themselves are
// per-session state; destroying a session releases them without
// notification.
type subscriptionManager struct {
	mu       sync.Mutex
	sessions map[*session.Session]struct{}

	logger  log.Logger
	inst    *telemetry.Instrumentation
	dropped atomic.Int64
}

func newSubscriptionManager(logger log.Logger, inst *telemetry.Instrumentation) *subscriptionManager {
	return &subscriptionManager{
		sessions: make(map[*session.Session]struct{}),
		logger:   logger,
		inst:     inst,
	}
}

func (m *subscriptionManager) add(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s] = struct{}{}
}

func (m *subscriptionManager) remove(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
}

// find returns the live session with the given id, if any.
func (m *subscriptionManager) find(sessionID string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.sessions {
		if s.ID() == sessionID {
			return s
		}
	}
	return nil
}

func (m *subscriptionManager) snapshot() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// notifyResourceUpdated emits notifications/resources/updated to every
// session subscribed to uri. Delivery is best-effort per session: a
// saturated write queue drops the notification and bumps a counter; the
// notifier is never blocked.
func (m *subscriptionManager) notifyResourceUpdated(ctx context.Context, uri string) {
	params := protocol.ResourceUpdatedParams{URI: uri}
	for _, s := range m.snapshot() {
		if s.State() != session.Operational || !s.IsSubscribed(uri) {
			continue
		}
		if !s.TryNotify(protocol.NOTIFICATION_RESOURCES_UPDATED, params) {
			m.dropped.Add(1)
			if m.inst != nil {
				m.inst.DroppedNotifications.Add(ctx, 1)
			}
			m.logger.WarnContext(ctx, fmt.Sprintf("dropped resources/updated for %q on session %s", uri, s.ID()))
		}
	}
}

// notifyListChanged broadcasts a */list_changed notification to every
// operational session.
func (m *subscriptionManager) notifyListChanged(ctx context.Context, method string) {
	for _, s := range m.snapshot() {
		if s.State() != session.Operational {
			continue
		}
		if !s.TryNotify(method, struct{}{}) {
			m.dropped.Add(1)
			if m.inst != nil {
				m.inst.DroppedNotifications.Add(ctx, 1)
			}
			m.logger.WarnContext(ctx, fmt.Sprintf("dropped %s on session %s", method, s.ID()))
		}
	}
}

// droppedCount reports how many fan-out notifications were dropped.
func (m *subscriptionManager) droppedCount() int64 { return m.dropped.Load() }
