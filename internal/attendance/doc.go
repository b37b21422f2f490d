// Package attendance normalises attendance records from every device brand
// into Events, stores them once, and hands them to downstream publishers.
//
// Each event carries an idempotency key. Records that carry a device record
// id are keyed on it; others are keyed on (device, user, second). A record
// seen twice, in one batch or across deliveries, is stored once.
//
// The Pipeline resolves the employee behind each device user id according
// to the configured mapping and drops records for unknown users unless
// configured to keep them.
package attendance
