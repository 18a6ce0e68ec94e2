package events

import "time"

// SubscriptionPublish is emitted after a published root value has been
// delivered to a topic's active subscriptions.
type SubscriptionPublish struct {
	Topic       string
	Subscribers int
	Duration    time.Duration
}
