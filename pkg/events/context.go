package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ctxKey is an unexported type for keys defined in this package.
type ctxKey int

const (
	ctxKeySinks ctxKey = iota
)

// WithSinks attaches sinks to the context so downstream code can publish
// events without holding pipeline configuration.
func WithSinks(ctx context.Context, sinks ...Sink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	existing := SinksFromContext(ctx)
	combined := append([]Sink{}, existing...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, ctxKeySinks, combined)
}

// SinksFromContext returns the sinks attached to the context, if any.
func SinksFromContext(ctx context.Context) []Sink {
	if v := ctx.Value(ctxKeySinks); v != nil {
		if sinks, ok := v.([]Sink); ok {
			return sinks
		}
	}
	return nil
}

// PublishToContext publishes the event to every sink in the context.
// Individual sink failures are ignored so a bad subscriber cannot disrupt
// the run.
func PublishToContext(ctx context.Context, event Event) {
	sinks := SinksFromContext(ctx)
	if len(sinks) == 0 {
		log.Trace().Str("event_type", string(event.Type())).Msg("events: no sinks in context")
		return
	}
	for _, sink := range sinks {
		_ = sink.PublishEvent(event)
	}
}
