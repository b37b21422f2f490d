// Package ebkn implements the EBKN terminal protocol.
//
// EBKN terminals POST to the gateway with out-of-band headers
// (request_code, dev_id, blk_no, trans_id, cmd_return_code) and a body made
// of a JSON head optionally followed by binary blobs. A blob is referenced
// from the head by a "BIN_n" placeholder; blobs follow the head in
// placeholder order and split the remaining bytes evenly, the last blob
// taking any remainder.
//
// Large bodies arrive in blocks: blk_no 1..n accumulate per device and
// request code, and blk_no 0 marks the final (or only) block.
//
// Commands are handed out on the receive_cmd handshake, one at a time, and
// acknowledged by a later send_cmd_result carrying the same trans_id.
package ebkn
