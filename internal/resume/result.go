package resume

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResultKind classifies how a peer sub-task ended.
type ResultKind string

const (
	KindOK        ResultKind = "ok"
	KindError     ResultKind = "error"
	KindTimeout   ResultKind = "timeout"
	KindCancelled ResultKind = "cancelled"
)

func (k ResultKind) valid() bool {
	switch k {
	case KindOK, KindError, KindTimeout, KindCancelled:
		return true
	}
	return false
}

// PeerResult is one entry of a group's aggregate. Payload is opaque and
// round-trips byte for byte.
type PeerResult struct {
	SubTaskID  string     `json:"sub_task_id"`
	Kind       ResultKind `json:"kind"`
	Payload    []byte     `json:"payload,omitempty"`
	Error      string     `json:"error,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Failed reports whether the peer did not produce a usable answer.
func (r PeerResult) Failed() bool { return r.Kind != KindOK }

// TimeoutResult builds the synthetic result injected for an expired sub-task.
func TimeoutResult(subTaskID string, deadline, now time.Time) PeerResult {
	return PeerResult{
		SubTaskID:  subTaskID,
		Kind:       KindTimeout,
		Error:      fmt.Sprintf("peer did not reply before %s", deadline.UTC().Format(time.RFC3339)),
		RecordedAt: now,
	}
}

func decodeResults(raw []json.RawMessage) ([]PeerResult, error) {
	out := make([]PeerResult, 0, len(raw))
	for i, item := range raw {
		var r PeerResult
		if err := json.Unmarshal(item, &r); err != nil {
			return nil, fmt.Errorf("decode result %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
