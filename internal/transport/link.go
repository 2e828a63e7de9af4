package transport

import (
	"context"
)

// Handler receives what arrives on a Link. Implementations never call it
// from inside Send or Close.
type Handler interface {
	OnMessage(data []byte)
	// OnClose reports that the link dropped on its own. A local Close is not reported.
	OnClose(err error)
}

// Link is one established connection to the opponent, direct or via the relay.
type Link interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a fresh Link for every connection attempt. Dial returns once
// the opponent is reachable; messages may reach the handler before it returns.
type Dialer interface {
	Dial(ctx context.Context, handler Handler) (Link, error)
}
