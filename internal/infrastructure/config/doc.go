// Package config loads configs/config.yaml into typed sections.
//
// Values resolve in order: built-in defaults, the YAML file, then
// BIOGATE_* environment variables. Credentials (MQTT password, InfluxDB
// token, JWT secret) are expected to come from the environment, or from a
// .env file loaded by the binary before Load runs.
//
// Durations are stored as integer seconds (hours or days where the field
// name says so); helper methods return time.Duration values. The command
// delivery policy is read once at startup and handed to the queue.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
