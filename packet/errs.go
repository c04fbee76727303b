package packet

import "errors"

var (
	ErrInvalidType           = errors.New("invalid packet type")
	ErrInvalidFlags          = errors.New("invalid flags for packet type")
	ErrMalformedRemainingLen = errors.New("malformed remaining length")
	ErrInvalidQoS            = errors.New("invalid QoS level")
	ErrInvalidReservedType   = errors.New("reserved packet type (0) not allowed")
	ErrUnexpectedEOF         = errors.New("unexpected end of input")
	ErrStringTooLong         = errors.New("UTF-8 string exceeds 65535 bytes")
	ErrInvalidUTF8           = errors.New("invalid UTF-8 string")
	ErrNullCharacter         = errors.New("UTF-8 string contains null character")
)
