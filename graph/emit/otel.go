package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span.
//
// Spans are named after the event type and carry run id, sequence number and
// node id as attributes, plus every Meta field that converts cleanly to an
// attribute. Error payloads set the span status to Error.
//
//	tracer := otel.Tracer("stategraph")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter. Each event becomes a point-in-time span that is
// ended immediately.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("stategraph.run_id", event.RunID),
		attribute.Int("stategraph.seq", event.Seq),
		attribute.String("stategraph.node_id", event.NodeID),
	)
	o.addMeta(span, event.Meta)

	if errStr, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errStr)
		span.RecordError(fmt.Errorf("%s", errStr))
	}
}

// Flush forces export of pending spans; call before shutdown. A provider
// that does not buffer (e.g. the noop provider) flushes trivially.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addMeta(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := "stategraph." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
