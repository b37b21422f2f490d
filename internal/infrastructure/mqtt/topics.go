package mqtt

import "fmt"

// TopicPrefix is the root of every topic the gateway publishes or consumes.
const TopicPrefix = "biogate"

// Topics builds gateway topic names.
//
//	t := mqtt.Topics{}
//	t.Attendance("EB-1") // biogate/attendance/EB-1
type Topics struct{}

// SystemStatus is the retained online/offline topic, also used for the LWT.
//
// Example: biogate/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// Attendance is where stored attendance events for a device are published.
//
// Example: biogate/attendance/EB-1
func (Topics) Attendance(serial string) string {
	return fmt.Sprintf("%s/attendance/%s", TopicPrefix, serial)
}

// Command is where command state transitions for a device are published.
//
// Example: biogate/command/EB-1
func (Topics) Command(serial string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, serial)
}

// SyncRequest is consumed by the gateway. A message asks for a poll sync;
// the payload may name a single device.
//
// Example: biogate/sync/request
func (Topics) SyncRequest() string {
	return TopicPrefix + "/sync/request"
}

// AllAttendance matches attendance events from every device.
//
// Pattern: biogate/attendance/+
func (Topics) AllAttendance() string {
	return TopicPrefix + "/attendance/+"
}

// AllCommands matches command transitions for every device.
//
// Pattern: biogate/command/+
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}
