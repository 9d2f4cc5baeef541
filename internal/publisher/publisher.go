// Package publisher defines the interface for announcing completed renders.
package publisher

import "context"

// Publisher delivers one notification payload to a named topic and returns
// the broker-assigned message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// NoOp drops every notification. It is the default when publishing is
// disabled.
type NoOp struct{}

// Publish for NoOp does nothing and reports an empty ID.
func (NoOp) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
