package gateway

import "context"

// Kind tells a sink how to render content.
type Kind string

const (
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindHTML     Kind = "html"
	KindJSON     Kind = "json"
	KindError    Kind = "error"
	KindSecret   Kind = "secret"
)

// Sink receives goal output and answers questions asked by goals.
type Sink interface {
	// Ask shows text and blocks until an answer arrives.
	Ask(ctx context.Context, text string, kind Kind, status int) (string, error)
	// Write shows content without waiting for a reply.
	Write(ctx context.Context, content string, kind Kind, status int) error
}

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Sink returns the output sink of one chat
	Sink(chatID string) Sink
	// Stop gracefully shuts down the gateway
	Stop() error
}

type sinkKey struct{}

// WithSink routes output of goal runs started with ctx to s.
func WithSink(ctx context.Context, s Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

// SinkFrom returns the sink set by WithSink.
func SinkFrom(ctx context.Context) (Sink, bool) {
	s, ok := ctx.Value(sinkKey{}).(Sink)
	return s, ok && s != nil
}

// Discard drops output and answers every question with an empty string.
type Discard struct{}

func (Discard) Ask(ctx context.Context, text string, kind Kind, status int) (string, error) {
	return "", nil
}

func (Discard) Write(ctx context.Context, content string, kind Kind, status int) error {
	return nil
}
