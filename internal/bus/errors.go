package bus

import "errors"

// Stable error taxonomy for the bus layer. Callers branch with errors.Is;
// implementations wrap these with context.
var (
	ErrNotConnected        = errors.New("bus: not connected")
	ErrAlreadyConnected    = errors.New("bus: already connected")
	ErrPublishFailed       = errors.New("bus: publish failed")
	ErrSubscribeFailed     = errors.New("bus: subscribe failed")
	ErrRequestTimeout      = errors.New("bus: request timed out")
	ErrInvalidSubject      = errors.New("bus: invalid subject")
	ErrCodec               = errors.New("bus: codec error")
	ErrUnknownSubscription = errors.New("bus: unknown subscription")
	ErrNoReplyTo           = errors.New("bus: envelope has no reply_to")
	ErrStreamFailed        = errors.New("bus: stream operation failed")
	ErrUnsupportedScheme   = errors.New("bus: unsupported URL scheme")
)
