// Package mqtt connects the gateway to an MQTT broker.
//
// The broker is an optional outbound channel. Stored attendance events and
// command transitions are published per device so downstream consumers
// (payroll, dashboards) can follow them without polling the admin API.
// The gateway also listens on a single inbound topic that requests a poll
// sync of API-polled terminals.
//
// The connection uses a retained status topic with a Last Will, so
// subscribers can tell a crashed gateway from a clean shutdown.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.Attendance("EB-1")
//	err = client.Publish(topic, payload, 1, false)
package mqtt
