// Package database owns the gateway's SQLite file: opening it, applying
// the versioned schema registered by the migrations package, and running
// units of work.
//
// Repositories take a Querier so the same query code works against the
// pool or inside InTx. Identity changes and the device commands they
// produce are written in one InTx call.
//
// Timestamps are stored as TEXT in UTC via FormatTime and read back with
// ParseTime.
package database
