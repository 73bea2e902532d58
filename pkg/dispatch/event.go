// Package dispatch implements the inbound event model and the pure router
// that maps a raw inbound CRM event, plus the conversation's current
// flow state, to a Route — one of a closed enumeration. Dispatch never
// calls the language model; classification is text heuristics plus flow
// state only.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// InboundEvent is the normalized webhook payload from the CRM collaborator.
type InboundEvent struct {
	Source         string
	ConversationID string
	AccountID      string
	InboxID        string
	EventType      string
	Contact        Contact
	Text           string
	Payload        map[string]any
	ReceivedAt     time.Time
	IdempotencyKey string
}

// Contact identifies the human on the other end of the conversation.
type Contact struct {
	ID    string
	Phone string
	Email string
}

// DeriveIdempotencyKey builds the deterministic idempotency key from the
// provider name, event type, and the provider's own event id, so repeat
// deliveries of the same provider event collapse to one key.
func DeriveIdempotencyKey(source, eventType, providerEventID string) string {
	sum := sha256.Sum256([]byte(providerEventID))
	return fmt.Sprintf("idempo:%s:%s:%s", source, eventType, hex.EncodeToString(sum[:])[:24])
}
