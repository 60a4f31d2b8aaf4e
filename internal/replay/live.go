package replay

import (
	"context"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// StreamPublisher fans durable events out on a Redis stream as task.event
// envelopes.
type StreamPublisher struct {
	Publisher *streams.Publisher
	Stream    string
}

// PublishEvent implements LivePublisher.
func (p StreamPublisher) PublishEvent(ctx context.Context, rec store.EventRecord) error {
	stream := p.Stream
	if stream == "" {
		stream = streams.StreamTaskEvents
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := p.Publisher.PublishRaw(ctx, stream, streams.EventTaskEvent, streams.VersionV1, streams.TaskEvent{
		TaskID:    rec.TaskID,
		Sequence:  rec.Sequence,
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		EventType: rec.EventType,
		Payload:   payload,
	})
	return err
}
