// Package events defines the payloads written to the outbox and consumed by the notifier.
package events

import "time"

// Event types, also used as the Kafka event_type header.
const (
	TypeLedgerSubmitted    = "ledger.submitted"
	TypeFamilyMemberJoined = "family.member_joined"
)

// LedgerSubmitted is emitted when a ledger entry is persisted. FamilyID is empty when
// the submitter is not in a family.
type LedgerSubmitted struct {
	EntryID     string    `json:"entry_id"`
	UserID      string    `json:"user_id"`
	FamilyID    string    `json:"family_id,omitempty"`
	TotalPoints string    `json:"total_points"`
	TotalUnits  string    `json:"total_units"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FamilyMemberJoined is emitted when a user joins a family with a code.
type FamilyMemberJoined struct {
	FamilyID string    `json:"family_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Envelope is an event waiting in the outbox. AggregateID becomes the Kafka key so
// events for one entity stay ordered on a partition.
type Envelope struct {
	Type        string
	AggregateID string
	Payload     []byte
}
