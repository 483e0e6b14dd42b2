package kvmi

import "errors"

var (
	// ErrNoEvent is returned by Pop when no event arrived before the timeout.
	ErrNoEvent = errors.New("no event")

	// ErrClosed is returned after the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownEvent is an event kind this client does not understand.
	ErrUnknownEvent = errors.New("unknown event kind")

	// ErrMalformed is a message whose payload cannot be decoded.
	ErrMalformed = errors.New("malformed message")

	// ErrBadEvent is an event frame that arrived whole but did not decode.
	// Only that event is lost; the session goes on.
	ErrBadEvent = errors.New("undecodable event")

	// ErrHandshake is a rejected or unexpected handshake.
	ErrHandshake = errors.New("handshake failed")

	errRequestTimeout = errors.New("request timed out")
)
