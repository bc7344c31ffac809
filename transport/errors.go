package transport

import "errors"

var (
	errMalformedFrame = errors.New("transport: malformed frame")
	errFrameTooLarge  = errors.New("transport: frame exceeds maximum size")
)
