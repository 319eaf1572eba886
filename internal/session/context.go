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

package session

import (
	"context"

	"github.com/altimeterlabs/mcpd/internal/jsonrpc"
	"github.com/altimeterlabs/mcpd/internal/protocol"
)

// RequestContext is handed to handlers for each inbound request. It carries
// the raw envelope, the request _meta, and the owning session handle for
// outbound sampling, elicitation and logging. The session is referenced,
// not owned: handlers must not retain it past the request.
type RequestContext struct {
	Session *Session
	Request *jsonrpc.Request
	Meta    protocol.RequestMeta
}

// SessionID returns the owning session's identifier.
func (rc *RequestContext) SessionID() string { return rc.Session.ID() }

// Progress emits a notifications/progress bound to the request's
// progressToken. Without a token in _meta the call is a no-op, per the
// protocol's opt-in progress contract.
func (rc *RequestContext) Progress(ctx context.Context, progress, total float64, message string) {
	if rc.Meta.ProgressToken == nil {
		return
	}
	rc.Session.NotifyProgress(ctx, protocol.ProgressParams{
		ProgressToken: rc.Meta.ProgressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}
