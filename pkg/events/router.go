package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatermillZerologAdapter routes watermill's logging through zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func NewWatermillZerologAdapter(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger}
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(fields).Err(err).Msg(msg)
}

// Info maps to Debug because watermill is chatty.
func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(fields).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(fields).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(fields).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.logger.With().Fields(fields).Logger()
	return &WatermillZerologAdapter{logger: l}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

// Router distributes published events to named handlers over an in-process
// gochannel pubsub.
type Router struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type RouterOption func(*Router)

func WithRouterLogger(logger watermill.LoggerAdapter) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithVerboseRouter logs watermill internals through the global zerolog
// logger.
func WithVerboseRouter() RouterOption {
	return func(r *Router) { r.logger = NewWatermillZerologAdapter(log.Logger) }
}

func NewRouter(options ...RouterOption) (*Router, error) {
	ret := &Router{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// Sink returns a watermill sink publishing to the given topic on this
// router's bus.
func (r *Router) Sink(topic string) *WatermillSink {
	return NewWatermillSink(r.Publisher, topic)
}

// AddHandler registers a raw watermill handler for a topic.
func (r *Router) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	r.router.AddNoPublisherHandler(name, topic, r.Subscriber, f)
}

// AddEventHandler registers a handler receiving parsed events; payloads
// that fail to parse are logged and acknowledged so one bad message cannot
// wedge the stream.
func (r *Router) AddEventHandler(name string, topic string, f func(Event)) {
	r.AddHandler(name, topic, func(msg *message.Message) error {
		defer msg.Ack()
		e, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("events: dropping unparseable event")
			return nil
		}
		f(e)
		return nil
	})
}

func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

func (r *Router) Close() error {
	log.Debug().Msg("events: closing publisher")
	if err := r.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("events: failed to close publisher")
	}
	log.Debug().Msg("events: closing router")
	if err := r.router.Close(); err != nil {
		log.Error().Err(err).Msg("events: failed to close router")
	}
	return nil
}
