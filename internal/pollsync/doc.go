// Package pollsync pulls attendance from terminals that do not push.
//
// ISAPI terminals expose their event log over HTTP with digest
// authentication. The Adapter pages through the AcsEvent search for a
// time range, feeds check-in and check-out records into the attendance
// pipeline and moves the device cursor forward. The Scheduler runs a
// bulk sync over every enabled ISAPI device on a fixed interval.
package pollsync
