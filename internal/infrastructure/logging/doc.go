// Package logging builds the gateway's slog logger.
//
//	logging:
//	  level: info     # debug | info | warn | error
//	  format: json    # json | text
//	  output: stdout  # stdout | stderr
//
// Components derive children with With("component", name). Device
// passwords, comm keys and JWT secrets are never logged; raw device
// payloads appear only at debug level when decoding fails.
package logging
