// Package channels defines the external-channel-adapter contract (C12):
// the only surface an external messaging platform must implement to feed
// the dispatcher and receive its output. No concrete messaging-platform
// adapter lives here — spec.md §1 places those out of scope — only the
// interface and a stub used by tests and local development.
package channels

import (
	"context"
	"time"
)

// Adapter is one external messaging channel. Implementations are never
// called concurrently for the same conversation by the dispatcher, but may
// be called concurrently across different conversations.
type Adapter interface {
	// OnMessage is how an adapter pushes an inbound message into the
	// dispatcher. Idempotent on deliveryID.
	OnMessage(conversationID, author, body, deliveryID string, originTimestamp time.Time) error

	// Send delivers body to conversationID, best-effort. senderTag is an
	// optional display label (e.g. which agent produced the text).
	Send(ctx context.Context, conversationID, body, senderTag string) error

	// SetTyping/StopTyping are optional liveness indicators; a stub or a
	// platform without the concept may no-op.
	SetTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error

	// EditMessage lets the adapter support progressive streaming by editing
	// a previously sent message in place. Adapters without edit support
	// return ErrEditUnsupported so the dispatcher degrades to final-send-only.
	EditMessage(ctx context.Context, conversationID, messageRef, newBody string) error

	// IsConnected and LastEventAt feed the health surface's
	// channelsConnected map.
	IsConnected() bool
	LastEventAt() time.Time

	// Stop/Start are used by the watchdog when liveness checks fail.
	Stop(ctx context.Context) error
	Start(ctx context.Context) error

	// Name identifies this adapter for health reporting and log lines.
	Name() string
}

// ErrEditUnsupported is returned by EditMessage on adapters that cannot
// edit previously-sent messages in place.
type errEditUnsupported struct{}

func (errEditUnsupported) Error() string { return "edit message not supported by this adapter" }

// ErrEditUnsupported is the sentinel EditMessage returns when a platform
// has no message-edit capability.
var ErrEditUnsupported error = errEditUnsupported{}
