package domain

import "time"

// WebhookDelivery is an immutable audit record of a received webhook.
// The payload is retained raw so signatures can be re-verified later.
type WebhookDelivery struct {
	ID         string
	Provider   string
	EventType  string
	Payload    []byte
	Signature  string
	ReceivedAt time.Time
}
