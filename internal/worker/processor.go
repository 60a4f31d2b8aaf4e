// Package worker runs the bus-facing loops of the mesh: it drains a Redis
// stream through a consumer group and hands every entry to a Handler.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
)

// Source is the consumer-group view of a stream. *streams.Consumer
// satisfies it.
type Source interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Handler processes one entry. Returning ack=false leaves the entry pending
// so it is redelivered after the claim idle time.
type Handler interface {
	Handle(ctx context.Context, msg streams.Message) (ack bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg streams.Message) (bool, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg streams.Message) (bool, error) {
	return f(ctx, msg)
}

// Processor reads one stream and dispatches each entry to its handler.
type Processor struct {
	logger        *zap.Logger
	source        Source
	stream        string
	handler       Handler
	tracer        trace.Tracer
	block         time.Duration
	count         int64
	claimMinIdle  time.Duration
	claimInterval time.Duration
	processed     otelmetric.Int64Counter
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer sets the tracer used for per-entry spans.
func WithTracer(t trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithReadBatch sets the XREADGROUP block time and count.
func WithReadBatch(block time.Duration, count int64) ProcessorOption {
	return func(p *Processor) {
		if block > 0 {
			p.block = block
		}
		if count > 0 {
			p.count = count
		}
	}
}

// WithClaim sets how long an entry must sit unacked before this processor
// takes it over, and how often it looks.
func WithClaim(minIdle, interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if minIdle > 0 {
			p.claimMinIdle = minIdle
		}
		if interval > 0 {
			p.claimInterval = interval
		}
	}
}

// NewProcessor builds a Processor for stream.
func NewProcessor(src Source, stream string, h Handler, opts ...ProcessorOption) *Processor {
	p := &Processor{
		logger:        zap.NewNop(),
		source:        src,
		stream:        stream,
		handler:       h,
		tracer:        otel.Tracer("peermesh/worker"),
		block:         5 * time.Second,
		count:         16,
		claimMinIdle:  time.Minute,
		claimInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("worker").With(zap.String("stream", stream))
	var err error
	p.processed, err = otel.Meter("peermesh/worker").Int64Counter("worker_replies_processed_total",
		otelmetric.WithDescription("Stream entries handled by the worker, by result"))
	if err != nil {
		p.logger.Warn("worker metrics init", zap.Error(err))
	}
	return p
}

// Start reclaims entries abandoned by dead consumers, then processes new
// entries until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("processor starting")
	p.reclaim(ctx)
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopping", zap.Error(ctx.Err()))
			return nil
		default:
		}

		if time.Since(lastClaim) >= p.claimInterval {
			p.reclaim(ctx)
			lastClaim = time.Now()
		}

		msgs, err := p.source.Read(ctx, p.stream, streams.WithBlock(p.block), streams.WithCount(p.count))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("read stream", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

// reclaim walks the pending list with XAUTOCLAIM until the cursor wraps.
func (p *Processor) reclaim(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := p.source.AutoClaim(ctx, p.stream, p.claimMinIdle, start, p.count)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("reclaim pending entries", zap.Error(err))
			}
			return
		}
		if len(msgs) > 0 {
			p.logger.Info("reclaimed pending entries", zap.Int("count", len(msgs)))
			p.handleBatch(ctx, msgs)
		}
		if next == "" || next == "0-0" || next == start {
			return
		}
		start = next
	}
}

func (p *Processor) handleBatch(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		p.handleOne(ctx, msg)
	}
}

func (p *Processor) handleOne(ctx context.Context, msg streams.Message) {
	ctx, span := p.tracer.Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("entry_id", msg.ID),
		attribute.String("event_type", msg.Envelope.EventType),
	))
	defer span.End()

	ack, err := p.handler.Handle(ctx, msg)
	result := "acked"
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("handle entry",
			zap.String("entry_id", msg.ID),
			zap.String("event_id", msg.Envelope.EventID),
			zap.Bool("ack", ack),
			zap.Error(err),
		)
	}
	if !ack {
		result = "redeliver"
	} else if err := p.source.Ack(ctx, p.stream, msg.ID); err != nil {
		result = "ack_failed"
		p.logger.Warn("ack entry", zap.String("entry_id", msg.ID), zap.Error(err))
	}
	if p.processed != nil {
		p.processed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("result", result)))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var errMalformed = errors.New("malformed entry")
