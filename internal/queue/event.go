// Package queue defines message payloads exchanged over the message broker
// and the consumer that turns them into the activation audit log.
package queue

// ActivationEventsQueue is the durable queue audit events are routed to.
const ActivationEventsQueue = "activation.events"

// Event kinds.
const (
	KindConsumed  = "consumed"
	KindUpdated   = "updated"
	KindGenerated = "generated"
	KindDeleted   = "deleted"
	KindSeeded    = "seeded"
)

// ActivationEvent is published after every successful mutation of an
// activation record.  It carries enough information for the audit consumer
// to write a self-contained line without querying the primary database.
// Codes are redacted; ActivationID identifies the record exactly.
type ActivationEvent struct {
	Kind         string `json:"kind"`
	ActivationID string `json:"activation_id"`
	Code         string `json:"code,omitempty"`
	Status       string `json:"status,omitempty"`
	ActivateAt   string `json:"activate_at,omitempty"`
	ServerTime   string `json:"server_time"`
}
