package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/events"
)

// LedgerSubmittedEvent builds the outbox envelope written with a new ledger entry.
// Events of a family member are keyed by family so a family's events stay ordered.
func LedgerSubmittedEvent(entry domain.LedgerEntry, familyID string) (events.Envelope, error) {
	payload, err := json.Marshal(events.LedgerSubmitted{
		EntryID:     entry.ID,
		UserID:      entry.UserID,
		FamilyID:    familyID,
		TotalPoints: entry.Summary.TotalPoints.String(),
		TotalUnits:  entry.Summary.TotalUnitCount.String(),
		SubmittedAt: entry.SubmittedAt.UTC(),
	})
	if err != nil {
		return events.Envelope{}, fmt.Errorf("marshal ledger event: %w", err)
	}
	key := entry.UserID
	if familyID != "" {
		key = familyID
	}
	return events.Envelope{Type: events.TypeLedgerSubmitted, AggregateID: key, Payload: payload}, nil
}

// MemberJoinedEvent builds the outbox envelope written when a user joins a family.
func MemberJoinedEvent(familyID, userID string, at time.Time) (events.Envelope, error) {
	payload, err := json.Marshal(events.FamilyMemberJoined{
		FamilyID: familyID,
		UserID:   userID,
		JoinedAt: at.UTC(),
	})
	if err != nil {
		return events.Envelope{}, fmt.Errorf("marshal member event: %w", err)
	}
	return events.Envelope{Type: events.TypeFamilyMemberJoined, AggregateID: familyID, Payload: payload}, nil
}
