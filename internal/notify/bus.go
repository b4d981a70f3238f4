package notify

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSubscriptionLost = errors.New("subscription lost")
	ErrBusClosed        = errors.New("bus closed")
)

// Bus is an at-least-once publish/subscribe channel. Delivery may duplicate
// or reorder events, and a subscription may drop events when it is lost.
type Bus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// Subscription streams events for its topics until it is closed or lost.
// After Done is closed, Err reports why.
type Subscription interface {
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Publish sends event to every topic it belongs on.
func Publish(ctx context.Context, bus Bus, event Event) error {
	var errs []error
	for _, topic := range event.Topics() {
		if err := bus.Publish(ctx, topic, event); err != nil {
			errs = append(errs, fmt.Errorf("publish %s to %s: %w", event.Kind, topic, err))
		}
	}
	return errors.Join(errs...)
}
