// Package influxdb writes gateway time series to InfluxDB v2.
//
// Three measurements are produced: attendance (one point per stored
// event, stamped with the device time), command_transition and poll_sync.
// The sink is optional; Connect returns ErrDisabled when it is turned off.
//
// Writes are non-blocking and batched by the client library according to
// batch_size and flush_interval. Asynchronous write failures are reported
// through SetOnError.
package influxdb
