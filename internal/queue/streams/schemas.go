package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried on the mesh streams.
const (
	EventPeerRequest  = "peer.request"
	EventPeerReply    = "peer.reply"
	EventTaskResume   = "task.resume"
	EventTaskEvent    = "task.event"
	EventScheduleFire = "schedule.fire"

	VersionV1 = "v1"
)

// Default stream names. Deployments may override them through config.
const (
	StreamPeerRequests  = "peermesh:peer.requests"
	StreamPeerReplies   = "peermesh:peer.replies"
	StreamTaskResume    = "peermesh:task.resume"
	StreamTaskEvents    = "peermesh:task.events"
	StreamScheduleFires = "peermesh:schedule.fires"
)

// Resume reasons carried by TaskResume.
const (
	ResumeRepliesComplete = "replies_complete"
	ResumeTimeoutSweep    = "timeout_sweep"
	ResumeManual          = "manual"
)

// PeerRequest asks a peer agent to run one sub-task. SubTaskID is the
// correlation id the reply must echo.
type PeerRequest struct {
	LogicalTaskID string          `json:"logical_task_id"`
	InvocationID  string          `json:"invocation_id"`
	SubTaskID     string          `json:"sub_task_id"`
	PeerAgent     string          `json:"peer_agent"`
	ReplyTo       string          `json:"reply_to"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	Input         json.RawMessage `json:"input"`
}

// PeerReply is a peer's answer to a PeerRequest.
type PeerReply struct {
	SubTaskID string          `json:"sub_task_id"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TaskResume tells the runtime a suspended task can be loaded and continued.
type TaskResume struct {
	LogicalTaskID string `json:"logical_task_id"`
	InvocationID  string `json:"invocation_id"`
	Reason        string `json:"reason"`
}

// TaskEvent is the live shape of a replayable task event. Payload is base64
// on the wire.
type TaskEvent struct {
	TaskID    string `json:"task_id"`
	Sequence  int64  `json:"sequence"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	EventType string `json:"event_type"`
	Payload   []byte `json:"payload"`
}

// ScheduleFire announces a cron firing that was dispatched to an agent.
type ScheduleFire struct {
	ExecutionID   string `json:"execution_id"`
	ScheduleName  string `json:"schedule_name"`
	CorrelationID string `json:"correlation_id"`
}

// Definition is one schema entry of the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventPeerRequest,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["logical_task_id", "invocation_id", "sub_task_id", "peer_agent", "reply_to", "input"],
  "properties": {
    "logical_task_id": {"type": "string", "minLength": 1},
    "invocation_id": {"type": "string", "minLength": 1},
    "sub_task_id": {"type": "string", "minLength": 1},
    "peer_agent": {"type": "string", "minLength": 1},
    "reply_to": {"type": "string", "minLength": 1},
    "deadline": {"type": "string", "format": "date-time"},
    "input": {}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventPeerReply,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sub_task_id", "success"],
  "properties": {
    "sub_task_id": {"type": "string", "minLength": 1},
    "success": {"type": "boolean"},
    "output": {},
    "error": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventTaskResume,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["logical_task_id", "invocation_id", "reason"],
  "properties": {
    "logical_task_id": {"type": "string", "minLength": 1},
    "invocation_id": {"type": "string"},
    "reason": {"type": "string", "enum": ["replies_complete", "timeout_sweep", "manual"]}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventTaskEvent,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id", "sequence", "event_type", "payload"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "sequence": {"type": "integer", "minimum": 0},
    "session_id": {"type": "string"},
    "user_id": {"type": "string"},
    "event_type": {"type": "string", "minLength": 1},
    "payload": {"type": "string", "contentEncoding": "base64"}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventScheduleFire,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["execution_id", "schedule_name", "correlation_id"],
  "properties": {
    "execution_id": {"type": "string", "minLength": 1},
    "schedule_name": {"type": "string", "minLength": 1},
    "correlation_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`),
	},
}

// BaseDefinitions returns a copy of the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the built-in schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
