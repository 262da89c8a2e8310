package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceHeaders appends W3C trace context headers to a Kafka message so
// consumers can continue the producing request's trace.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for _, key := range []string{"traceparent", "tracestate"} {
		if v := carrier[key]; v != "" {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
		}
	}
	return headers
}

// ExtractTraceContext restores trace context from message headers, if present.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range msg.Headers {
		switch h.Key {
		case "traceparent", "tracestate":
			carrier[h.Key] = string(h.Value)
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
