package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Sink is a destination for pipeline events. Implementations publish to
// channels, message buses or logs; publishing is always best effort and
// must never block the run for long.
type Sink interface {
	PublishEvent(event Event) error
}

// NullSink discards every event.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(Event) error {
	return nil
}

var _ Sink = (*NullSink)(nil)

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event) error

func (f SinkFunc) PublishEvent(event Event) error {
	return f(event)
}

var _ Sink = SinkFunc(nil)

// ChannelSink forwards events into a buffered channel without blocking;
// events that find the buffer full are dropped with a warning.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) PublishEvent(event Event) error {
	select {
	case s.ch <- event:
	default:
		log.Warn().Str("event_type", string(event.Type())).Msg("events: channel sink buffer full, dropping event")
	}
	return nil
}

// Events exposes the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close closes the channel; no publishes may follow.
func (s *ChannelSink) Close() {
	close(s.ch)
}

var _ Sink = (*ChannelSink)(nil)

// WatermillSink publishes events to a watermill publisher so they can fan
// out through the message bus to any number of subscribers.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

// PublishEvent serializes the event to JSON and sends it as one watermill
// message, carrying the correlation id as message metadata.
func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type())).Msg("events: failed to marshal event")
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if cid := event.Metadata().CorrelationID; cid != "" {
		msg.Metadata.Set("correlation_id", cid)
	}

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("events: failed to publish event")
		return err
	}

	log.Trace().Str("topic", w.topic).Str("event_type", string(event.Type())).Msg("events: published event")
	return nil
}

var _ Sink = (*WatermillSink)(nil)
