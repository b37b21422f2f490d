package protocol

import "errors"

var (
	// ErrUnrecognizedProtocol is reported when no codec, or more than one,
	// matches a request.
	ErrUnrecognizedProtocol = errors.New("protocol: unrecognized protocol")

	// ErrMalformedMessage is returned by codecs for undecodable requests.
	ErrMalformedMessage = errors.New("protocol: malformed message")
)
