package signal

import (
	"github.com/pkg/errors"
)

// ErrSelfTarget is returned when an outbound envelope would be addressed to the
// local device. It always indicates a bug and is never retried.
var ErrSelfTarget = errors.New("envelope targets the local device")

// ErrMissingTarget is returned when a non-broadcast envelope has no destination.
var ErrMissingTarget = errors.New("envelope has no target device")

// ErrMalformed wraps every parse or validation failure of an inbound frame.
var ErrMalformed = errors.New("malformed envelope")

// ErrRelayClosed is returned by Relay operations after Close.
var ErrRelayClosed = errors.New("relay connection closed")
