// Package auth issues and validates operator tokens for the admin API.
//
// Tokens are HS256 JWTs carrying the operator name as subject and one of
// two roles. Viewers can read everything; admins can also change devices,
// identities and commands and trigger syncs. Terminals never authenticate
// here; they are identified by serial or device id on the device endpoint.
package auth
