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

package protocol

// MCP method names.
const (
	INITIALIZE               = "initialize"
	PING                     = "ping"
	TOOLS_LIST               = "tools/list"
	TOOLS_CALL               = "tools/call"
	RESOURCES_LIST           = "resources/list"
	RESOURCES_TEMPLATES_LIST = "resources/templates/list"
	RESOURCES_READ           = "resources/read"
	RESOURCES_SUBSCRIBE      = "resources/subscribe"
	RESOURCES_UNSUBSCRIBE    = "resources/unsubscribe"
	PROMPTS_LIST             = "prompts/list"
	PROMPTS_GET              = "prompts/get"
	LOGGING_SET_LEVEL        = "logging/setLevel"
	COMPLETION_COMPLETE      = "completion/complete"
	SAMPLING_CREATE_MESSAGE  = "sampling/createMessage"
	ELICITATION_CREATE       = "elicitation/create"
	ROOTS_LIST               = "roots/list"
	TASKS_LIST               = "tasks/list"
	TASKS_GET                = "tasks/get"
	TASKS_CANCEL             = "tasks/cancel"

	NOTIFICATION_INITIALIZED            = "notifications/initialized"
	NOTIFICATION_CANCELLED              = "notifications/cancelled"
	NOTIFICATION_PROGRESS               = "notifications/progress"
	NOTIFICATION_MESSAGE                = "notifications/message"
	NOTIFICATION_RESOURCES_UPDATED      = "notifications/resources/updated"
	NOTIFICATION_RESOURCES_LIST_CHANGED = "notifications/resources/list_changed"
	NOTIFICATION_TOOLS_LIST_CHANGED     = "notifications/tools/list_changed"
	NOTIFICATION_PROMPTS_LIST_CHANGED   = "notifications/prompts/list_changed"
	NOTIFICATION_ROOTS_LIST_CHANGED     = "notifications/roots/list_changed"
	NOTIFICATION_TASK_STATUS            = "notifications/tasks/status"
)

// ServerMethodAllowed reports whether a client-issued method is covered by
// the capabilities the server advertised on initialize. Methods outside the
// negotiated set are answered with METHOD_NOT_FOUND.
func ServerMethodAllowed(caps ServerCapabilities, method string) bool {
	switch method {
	case INITIALIZE, PING:
		return true
	case TOOLS_LIST, TOOLS_CALL:
		return caps.Tools != nil
	case RESOURCES_LIST, RESOURCES_TEMPLATES_LIST, RESOURCES_READ:
		return caps.Resources != nil
	case RESOURCES_SUBSCRIBE, RESOURCES_UNSUBSCRIBE:
		return caps.Resources != nil && caps.Resources.Subscribe != nil && *caps.Resources.Subscribe
	case PROMPTS_LIST, PROMPTS_GET:
		return caps.Prompts != nil
	case LOGGING_SET_LEVEL:
		return caps.Logging != nil
	case COMPLETION_COMPLETE:
		return caps.Completions != nil
	case TASKS_LIST, TASKS_GET, TASKS_CANCEL:
		return caps.Tasks != nil
	default:
		return false
	}
}

// ClientMethodAllowed reports whether a server-issued method is covered by
// the capabilities the client advertised on initialize.
func ClientMethodAllowed(caps ClientCapabilities, method string) bool {
	switch method {
	case PING:
		return true
	case SAMPLING_CREATE_MESSAGE:
		return caps.Sampling != nil
	case ELICITATION_CREATE:
		return caps.Elicitation != nil
	case ROOTS_LIST:
		return caps.Roots != nil
	default:
		return false
	}
}
