package emit

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns every event into a short OpenTelemetry span.
//
// Span name is the event message. Standard attributes:
//   - taskgraph.run_id
//   - taskgraph.iteration
//   - taskgraph.node
//
// Meta entries are added as taskgraph.<key> attributes. Events carrying an
// "error" entry get an error status.
//
// Example:
//
//	tracer := otel.Tracer("taskgraph")
//	engine, _ := graph.New(g, graph.WithEmitter(emit.NewOTelEmitter(tracer)))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter using tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	opts := []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("taskgraph.run_id", event.RunID),
		attribute.Int("taskgraph.iteration", event.Iteration),
		attribute.String("taskgraph.node", event.Node),
	)}
	if !event.Time.IsZero() {
		opts = append(opts, trace.WithTimestamp(event.Time))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg, opts...)
	defer span.End()

	for k, v := range event.Meta {
		if kv, ok := metaAttribute("taskgraph."+k, v); ok {
			span.SetAttributes(kv)
		}
	}

	if msg := event.Err(); msg != "" {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

func metaAttribute(key string, v interface{}) (attribute.KeyValue, bool) {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val), true
	case int:
		return attribute.Int(key, val), true
	case int64:
		return attribute.Int64(key, val), true
	case float64:
		return attribute.Float64(key, val), true
	case bool:
		return attribute.Bool(key, val), true
	case fmt.Stringer:
		return attribute.String(key, val.String()), true
	case nil:
		return attribute.KeyValue{}, false
	default:
		return attribute.String(key, fmt.Sprintf("%v", val)), true
	}
}
