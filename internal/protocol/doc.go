// Package protocol defines the transport-independent request model shared
// by the device codecs and the Router that picks a codec per request.
//
// Terminals of every brand post to the same listener. Each Codec declares a
// signature (Match); the Router requires exactly one codec to match and
// otherwise answers with a neutral "OK" so unknown traffic never sees an
// error. Codec failures are logged and never reach the device as errors.
package protocol
