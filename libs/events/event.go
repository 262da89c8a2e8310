// Package events implements the transactional outbox/inbox plumbing shared
// by every service: domain events are written to the service's outbox table
// inside the same transaction as the state change, a polling publisher moves
// them to Kafka, and consumers dedupe through an inbox table.
package events

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
