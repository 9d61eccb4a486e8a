// Package natsbridge adapts libs/go/core/natsctx's trace-propagating
// publish helper into an optional cross-process sink for the event bus.
// The event bus itself stays in-process and injected (spec.md §9); this
// is the thin "root facade" that forwards emitted events to an external
// observer bridge when one is configured.
package natsbridge

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Sink publishes serialized events to a NATS subject with trace context
// injected into message headers.
type Sink struct {
	conn    *nats.Conn
	subject string
}

// NewSink wraps an already-connected NATS client. A nil conn is valid and
// makes Publish a no-op, so the bus can hold an optional sink unconditionally.
func NewSink(conn *nats.Conn, subject string) *Sink {
	return &Sink{conn: conn, subject: subject}
}

// Publish injects the current trace context into headers and publishes data.
// Failures are swallowed: the bus's local ring buffer and handlers are the
// source of truth, NATS is a best-effort cross-process mirror.
func (s *Sink) Publish(ctx context.Context, data []byte) {
	if s == nil || s.conn == nil {
		return
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: s.subject, Data: data, Header: hdr}
	_ = s.conn.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message
// and starting a consumer span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("agent-orchestrator-nats")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
