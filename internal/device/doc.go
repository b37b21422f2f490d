// Package device provides the Device Registry for BioGate.
//
// A device is a biometric terminal. Its brand decides which protocol codec
// talks to it and which brand-specific fields it carries:
//
//   - EBKNConfig: numeric device id sent in the dev_id header
//   - ADMSConfig: per-device handshake overrides (serial arrives as SN)
//   - ISAPIConfig: address and credentials for API polling
//
// The Registry caches every device in memory, indexed by serial and by EBKN
// device id. Codecs resolve devices on every request, so lookups never
// touch SQLite once the cache is warm. Resolve and ResolveEBKN return
// ErrUnknownDevice for missing or disabled terminals.
//
// Devices are never deleted, only disabled. The sync cursor only moves
// forward (AdvanceCursor uses MAX in SQL).
package device
