// Package balerrs defines the error kinds used across the balancer, wrapped
// with github.com/cockroachdb/errors so callers can classify an error with
// errors.Is/errors.As after it has crossed a worker-pool boundary and been
// logged, without losing the original cause or any attached hint text.
package balerrs

import "github.com/cockroachdb/errors"

// Sentinel kinds, per the error handling design. Wrap with errors.Wrap /
// errors.Mark, never return these bare.
var (
	// ErrConfig marks malformed INI, an invalid upstream URI, or a negative
	// weight. Fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrProtocol marks malformed JSON, an unknown msg_type, or a protocol
	// version higher than this balancer supports.
	ErrProtocol = errors.New("protocol error")

	// ErrNoRoute marks the absence of any ready adapter for a (src,tgt) pair.
	ErrNoRoute = errors.New("no route for language pair")

	// ErrUpstreamSend marks a failed write to a chosen adapter.
	ErrUpstreamSend = errors.New("upstream send failed")

	// ErrUpstreamDisconnected marks an adapter that went away with jobs
	// still awaiting reply.
	ErrUpstreamDisconnected = errors.New("upstream disconnected")

	// ErrClientDisconnected marks a session that closed with jobs still
	// in flight.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrInternal marks a bug or invariant violation. Must never reach a
	// client verbatim; logged and surfaced as a generic failure status.
	ErrInternal = errors.New("internal error")

	// ErrNotConnected marks a send attempted on an adapter that is not
	// in the CONNECTED state.
	ErrNotConnected = errors.New("adapter not connected")
)

// Mark wraps err with kind so errors.Is(result, kind) succeeds, while
// preserving err as the proximate cause for logging.
func Mark(kind, err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, kind.Error()), kind)
}

// New builds a fresh error of the given kind carrying msg as detail.
func New(kind error, msg string) error {
	return errors.Mark(errors.New(msg), kind)
}

// Newf is New with formatting.
func Newf(kind error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}
