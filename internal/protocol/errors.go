package protocol

import "errors"

var (
	// ErrWrongNode is returned by a node that is not authoritative for the
	// requested key; the response carries the known owner as a hint.
	ErrWrongNode = errors.New("wrong node for key")

	// ErrUnavailable is surfaced to clients once routing retries are
	// exhausted or no replica is reachable.
	ErrUnavailable = errors.New("no reachable replica")

	// ErrFencedCommand rejects a controller command carrying a stale
	// incarnation.
	ErrFencedCommand = errors.New("command from superseded controller")
)
