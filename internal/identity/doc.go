// Package identity stores biometric users, their brand templates and the
// devices they are assigned to.
//
// An identity reaches a device when AllowAllDevices is set or the device is
// in its explicit assignment set. Each identity carries at most one
// template per brand; the template records which device it was captured
// from. Enrollment records track the template hash each device is known to
// carry so fan-out can skip devices that are already up to date.
//
// SQLiteRepository runs on any database.Querier. The enrollment engine
// binds it to a transaction with WithTx so identity changes and the
// commands they cause commit together.
package identity
