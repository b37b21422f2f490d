// Package command implements the command queue and its delivery state
// machine.
//
// Commands move through these states:
//
//	Pending ──claim──▶ Processing ──ack ok──▶ Success
//	   ▲                   │
//	   └───ack fail/timeout┤ (attempts < max)
//	                       └──ack fail/timeout──▶ Failed (attempts >= max)
//
//	Pending|Processing ──operator or age──▶ Closed
//
// Success, Failed and Closed are terminal. At most one non-terminal command
// exists per (device, user, type); a second Enqueue is suppressed. EBKN
// terminals take one command per handshake and never while another is
// Processing. ADMS terminals take every eligible Pending command at once.
//
// Every committed state change is delivered to observers registered with
// Queue.OnTransition, after the transaction commits.
package command
