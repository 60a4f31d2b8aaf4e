package streams

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestBaseSchemasValidatePayloads(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("base registry: %v", err)
	}
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		eventType string
		payload   interface{}
	}{
		{EventPeerRequest, PeerRequest{
			LogicalTaskID: "T1", InvocationID: "inv-1", SubTaskID: "S1",
			PeerAgent: "researcher", ReplyTo: StreamPeerReplies,
			Deadline: &deadline, Input: json.RawMessage(`{"q":"x"}`),
		}},
		{EventPeerReply, PeerReply{SubTaskID: "S1", Success: true, Output: json.RawMessage(`{"answer":42}`)}},
		{EventPeerReply, PeerReply{SubTaskID: "S1", Success: false, Error: "boom"}},
		{EventTaskResume, TaskResume{LogicalTaskID: "T1", InvocationID: "inv-1", Reason: ResumeRepliesComplete}},
		{EventTaskEvent, TaskEvent{TaskID: "T1", Sequence: 3, EventType: "message", Payload: []byte("hello")}},
		{EventScheduleFire, ScheduleFire{ExecutionID: "e1", ScheduleName: "daily", CorrelationID: "c1"}},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.payload)
		if err != nil {
			t.Fatalf("marshal %s: %v", tc.eventType, err)
		}
		if err := reg.Validate(tc.eventType, VersionV1, data); err != nil {
			t.Errorf("%s should validate: %v", tc.eventType, err)
		}
	}
}

func TestBaseSchemasRejectInvalid(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("base registry: %v", err)
	}
	cases := []struct {
		name      string
		eventType string
		payload   string
	}{
		{"reply without sub task", EventPeerReply, `{"success":true}`},
		{"reply with empty sub task", EventPeerReply, `{"sub_task_id":"","success":true}`},
		{"request without reply_to", EventPeerRequest, `{"logical_task_id":"T","invocation_id":"i","sub_task_id":"s","peer_agent":"p","input":{}}`},
		{"resume with unknown reason", EventTaskResume, `{"logical_task_id":"T","invocation_id":"i","reason":"whenever"}`},
		{"event with negative sequence", EventTaskEvent, `{"task_id":"T","sequence":-1,"event_type":"m","payload":""}`},
		{"fire with extra field", EventScheduleFire, `{"execution_id":"e","schedule_name":"n","correlation_id":"c","x":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := reg.Validate(tc.eventType, VersionV1, []byte(tc.payload)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestRegistryUnknownSchema(t *testing.T) {
	reg := NewSchemaRegistry()
	err := reg.Validate(EventPeerReply, VersionV1, []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "no schema registered") {
		t.Fatalf("expected missing schema error, got %v", err)
	}
	if reg.Has(EventPeerReply, VersionV1) {
		t.Fatalf("empty registry reports schema")
	}
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reg.Has(EventPeerReply, VersionV1) {
		t.Fatalf("expected schema after registration")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventPeerReply, VersionV1, PeerReply{SubTaskID: "S1", Success: true})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	var reply PeerReply
	if err := got.Decode(&reply); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.EventID != env.EventID || reply.SubTaskID != "S1" || !reply.Success {
		t.Fatalf("unexpected envelope: %+v %+v", got, reply)
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	cases := []Envelope{
		{EventType: "x", PayloadVersion: "v1", Data: []byte(`{}`)},
		{EventID: "1", PayloadVersion: "v1", Data: []byte(`{}`)},
		{EventID: "1", EventType: "x", Data: []byte(`{}`)},
		{EventID: "1", EventType: "x", PayloadVersion: "v1", Attempt: -1, Data: []byte(`{}`)},
		{EventID: "1", EventType: "x", PayloadVersion: "v1"},
	}
	for i, env := range cases {
		if err := env.ValidateBasic(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
