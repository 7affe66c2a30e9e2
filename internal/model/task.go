// Package model defines the data structures for the conductor's tasks,
// leases, routes, and runtime settings.
package model

import "time"

// Well-known parameter keys. The parameter payload is otherwise opaque
// to the conductor.
const (
	ParamRuntimeScope   = "runtimeScope"
	ParamLockKey        = "lockKey"
	ParamIdempotencyKey = "idempotencyKey"
	ParamComponentID    = "componentId"
)

// Task is an immutable unit of work as claimed from the queue.
type Task struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	RoomKey      string         `json:"room_key"`
	Params       map[string]any `json:"params,omitempty"`
	Attempt      int            `json:"attempt"`
	ResourceKeys []string       `json:"resource_keys,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	IntentID     string         `json:"intent_id,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueued_at,omitempty"`
}

// StringParam returns the named parameter if it is a non-empty string.
func (t Task) StringParam(key string) string {
	if t.Params == nil {
		return ""
	}
	s, _ := t.Params[key].(string)
	return s
}

// HasResourceKey reports whether key is already in the task's resource-key set.
func (t Task) HasResourceKey(key string) bool {
	for _, k := range t.ResourceKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ClaimMode records which claim source produced a claimed task.
type ClaimMode string

const (
	// ClaimModeDirect marks tasks claimed through the local-scope source.
	ClaimModeDirect ClaimMode = "direct"
	// ClaimModeBrokered marks tasks claimed through the general queue.
	ClaimModeBrokered ClaimMode = "brokered"
)

// RuntimeScope is a task's declared execution-environment requirement.
type RuntimeScope string

const (
	ScopeGeneral RuntimeScope = "general"
	ScopeLocal   RuntimeScope = "local"
)

// ParseRuntimeScope normalizes a raw scope string. Unknown or empty values
// classify as general.
func ParseRuntimeScope(s string) RuntimeScope {
	if s == string(ScopeLocal) {
		return ScopeLocal
	}
	return ScopeGeneral
}

// ScopeForTask extracts the requested runtime scope from task parameters.
func ScopeForTask(t Task) RuntimeScope {
	return ParseRuntimeScope(t.StringParam(ParamRuntimeScope))
}
