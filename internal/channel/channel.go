package channel

import "context"

// Message is the payload handed to a channel sender. Recipient is the
// channel-specific address (email address, device endpoint, phone
// number) already resolved by the dispatcher.
type Message struct {
	Recipient string
	Subject   string
	Body      string
	Category  string
}

// Sender delivers a message over one transport. Implementations must
// honor the context deadline; a timed-out send is a failed attempt.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg Message) error
}
