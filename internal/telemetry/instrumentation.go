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

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation bundles the tracer and the MCP counters used across the
// engine.
type Instrumentation struct {
	Tracer trace.Tracer

	// McpPost counts client POSTs on the streamable endpoint.
	McpPost metric.Int64Counter
	// McpGet counts async event-stream attachments.
	McpGet metric.Int64Counter
	// McpStdio counts messages processed on the stdio transport.
	McpStdio metric.Int64Counter
	// DroppedNotifications counts notifications dropped on saturated
	// session queues.
	DroppedNotifications metric.Int64Counter
	// ReplayEvictions counts events dropped from the head of replay rings.
	ReplayEvictions metric.Int64Counter
}

// NewInstrumentation creates instrument handles against the globally
// registered providers.
func NewInstrumentation(versionString string) (*Instrumentation, error) {
	tracer := otel.Tracer("github.com/altimeterlabs/mcpd", trace.WithInstrumentationVersion(versionString))
	meter := otel.Meter("github.com/altimeterlabs/mcpd", metric.WithInstrumentationVersion(versionString))

	mcpPost, err := meter.Int64Counter("mcpd.mcp.post.count", metric.WithDescription("Number of MCP POST requests served."))
	if err != nil {
		return nil, fmt.Errorf("unable to create mcp post counter: %w", err)
	}
	mcpGet, err := meter.Int64Counter("mcpd.mcp.get.count", metric.WithDescription("Number of MCP event stream attachments."))
	if err != nil {
		return nil, fmt.Errorf("unable to create mcp get counter: %w", err)
	}
	mcpStdio, err := meter.Int64Counter("mcpd.mcp.stdio.count", metric.WithDescription("Number of MCP stdio messages processed."))
	if err != nil {
		return nil, fmt.Errorf("unable to create mcp stdio counter: %w", err)
	}
	dropped, err := meter.Int64Counter("mcpd.mcp.notifications.dropped", metric.WithDescription("Notifications dropped due to saturated session queues."))
	if err != nil {
		return nil, fmt.Errorf("unable to create dropped notification counter: %w", err)
	}
	evicted, err := meter.Int64Counter("mcpd.mcp.replay.evictions", metric.WithDescription("Events evicted from session replay buffers."))
	if err != nil {
		return nil, fmt.Errorf("unable to create replay eviction counter: %w", err)
	}

	return &Instrumentation{
		Tracer:               tracer,
		McpPost:              mcpPost,
		McpGet:               mcpGet,
		McpStdio:             mcpStdio,
		DroppedNotifications: dropped,
		ReplayEvictions:      evicted,
	}, nil
}
