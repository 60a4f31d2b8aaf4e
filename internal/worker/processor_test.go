package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]streams.Message
	pending []streams.Message
	acked   []string
	readErr error
}

func (f *fakeSource) Read(ctx context.Context, _ string, _ ...streams.ConsumerOption) ([]streams.Message, error) {
	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeSource) Ack(_ context.Context, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeSource) AutoClaim(_ context.Context, _ string, _ time.Duration, _ string, _ int64) ([]streams.Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, "0-0", nil
}

func (f *fakeSource) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func msg(id string) streams.Message {
	return streams.Message{ID: id, Envelope: streams.Envelope{EventID: id, EventType: "test"}}
}

func TestProcessorAcksPerHandlerDecision(t *testing.T) {
	src := &fakeSource{
		pending: []streams.Message{msg("0-1")},
		batches: [][]streams.Message{{msg("1-1"), msg("1-2")}},
		readErr: errors.New("connection reset"),
	}
	var mu sync.Mutex
	var seen []string
	h := HandlerFunc(func(_ context.Context, m streams.Message) (bool, error) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
		if m.ID == "1-2" {
			return false, errors.New("storage down")
		}
		return true, nil
	})
	p := NewProcessor(src, "replies", h, WithReadBatch(time.Millisecond, 4))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler saw %d entries", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	if seen[0] != "0-1" {
		t.Fatalf("pending entries must be reclaimed before new reads, got %v", seen)
	}
	acked := src.ackedIDs()
	if len(acked) != 2 || acked[0] != "0-1" || acked[1] != "1-1" {
		t.Fatalf("unexpected acks: %v", acked)
	}
}

func TestRunLoopsStopsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})
	err := RunLoops(context.Background(), nil,
		Loop{Name: "fails", Run: func(context.Context) error { return boom }},
		Loop{Name: "blocks", Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return ctx.Err()
		}},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatalf("sibling loop was not cancelled")
	}
}

func TestRunLoopsCancelIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RunLoops(ctx, nil, Loop{Name: "idle", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if err != nil {
		t.Fatalf("cancellation should not be an error: %v", err)
	}
}
