package serial

import "errors"

// Error kinds surfaced by the shield driver. Callers match them with errors.Is;
// the returned errors wrap these with the channel/command that failed.
var (
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrOutOfRange        = errors.New("value out of range")
	ErrInvalidArgument   = errors.New("invalid command argument")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUncalibrated      = errors.New("channel not calibrated")
	ErrTransport         = errors.New("transport failure")
	ErrTimeout           = errors.New("response timeout")
)
