// Package errkind defines the error categories used across the dispatcher
// and memory cores so callers can branch on failure class with errors.Is
// instead of string matching.
package errkind

import "errors"

// Sentinel categories. Wrap with fmt.Errorf("...: %w", ErrX) at the call
// site to attach context while keeping the category matchable.
var (
	// ErrAdmission: unregistered conversation, missing trigger, duplicate
	// delivery-id. The message is dropped silently; callers only increment
	// a counter, they never surface this to the user.
	ErrAdmission = errors.New("admission rejected")

	// ErrValidation: bad cron/interval/timestamp, malformed JSON, missing
	// required field. Returned to the caller verbatim; no state change.
	ErrValidation = errors.New("validation failed")

	// ErrTransient: vector/lexical index unavailable, memory API 5xx,
	// scheduler persist write failed. Retried locally with bounded backoff;
	// only surfaced once the retry cap is reached.
	ErrTransient = errors.New("transient backend error")

	// ErrTurnFailure: agent exited non-zero or produced no framed result,
	// container killed on timeout, HMAC mismatch on agent-authored IPC.
	// Increments the queue entry's attempt count.
	ErrTurnFailure = errors.New("turn failed")

	// ErrFatal: store unopenable, required column missing after migration,
	// secret leaked into an agent subprocess, unrecoverable vector backend
	// state. The process refuses to serve.
	ErrFatal = errors.New("fatal error")
)

// Is reports whether err is, or wraps, one of the categories above.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
