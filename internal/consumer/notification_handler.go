package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/events"
	"example.com/sadhana/internal/notify"
)

// MemberDirectory is the read-only view of users and families the notifier needs.
type MemberDirectory interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUsers(ctx context.Context, ids []string) ([]domain.User, error)
	GetFamily(ctx context.Context, id string) (*domain.Family, error)
}

// NotificationHandler tells a family's other members about submissions and new members.
// Push delivery is best effort: failures are logged and counted but never fail the
// message. Directory errors are returned so the message is retried.
type NotificationHandler struct {
	dir      MemberDirectory
	notifier notify.Notifier
	log      *logrus.Entry
}

// NewNotificationHandler constructs a NotificationHandler.
func NewNotificationHandler(dir MemberDirectory, notifier notify.Notifier, entry *logrus.Entry) *NotificationHandler {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NotificationHandler{dir: dir, notifier: notifier, log: entry.WithField("component", "notifier")}
}

// Handle dispatches on the event type. Unknown types are ignored.
func (h *NotificationHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeLedgerSubmitted:
		var evt events.LedgerSubmitted
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			h.log.WithError(err).WithField("offset", msg.Offset).Warn("malformed ledger event")
			return nil
		}
		return h.ledgerSubmitted(ctx, evt)
	case events.TypeFamilyMemberJoined:
		var evt events.FamilyMemberJoined
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			h.log.WithError(err).WithField("offset", msg.Offset).Warn("malformed member event")
			return nil
		}
		return h.memberJoined(ctx, evt)
	default:
		return nil
	}
}

func (h *NotificationHandler) ledgerSubmitted(ctx context.Context, evt events.LedgerSubmitted) error {
	if evt.FamilyID == "" {
		return nil
	}
	actor, family, others, err := h.audience(ctx, evt.FamilyID, evt.UserID)
	if err != nil || family == nil {
		return err
	}
	body := fmt.Sprintf("%s offered %s points", actor, evt.TotalPoints)
	data := map[string]string{"type": events.TypeLedgerSubmitted, "entry_id": evt.EntryID, "family_id": evt.FamilyID}
	h.send(ctx, events.TypeLedgerSubmitted, pushes(others, family.Name, body, data))
	return nil
}

func (h *NotificationHandler) memberJoined(ctx context.Context, evt events.FamilyMemberJoined) error {
	actor, family, others, err := h.audience(ctx, evt.FamilyID, evt.UserID)
	if err != nil || family == nil {
		return err
	}
	body := fmt.Sprintf("%s joined %s", actor, family.Name)
	data := map[string]string{"type": events.TypeFamilyMemberJoined, "family_id": evt.FamilyID, "user_id": evt.UserID}
	h.send(ctx, events.TypeFamilyMemberJoined, pushes(others, family.Name, body, data))
	return nil
}

// audience returns the actor's display name, the family and every other member. A
// family that no longer exists yields a nil family and no error.
func (h *NotificationHandler) audience(ctx context.Context, familyID, actorID string) (string, *domain.Family, []domain.User, error) {
	family, err := h.dir.GetFamily(ctx, familyID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("load family %s: %w", familyID, err)
	}
	if family == nil {
		return "", nil, nil, nil
	}

	ids := make([]string, 0, len(family.MemberIDs))
	for _, id := range family.MemberIDs {
		if id != actorID {
			ids = append(ids, id)
		}
	}
	var others []domain.User
	if len(ids) > 0 {
		others, err = h.dir.GetUsers(ctx, ids)
		if err != nil {
			return "", nil, nil, fmt.Errorf("load members of %s: %w", familyID, err)
		}
	}

	name := "Someone"
	actor, err := h.dir.GetUser(ctx, actorID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("load user %s: %w", actorID, err)
	}
	if actor != nil {
		name = actor.Name()
	}
	return name, family, others, nil
}

func pushes(users []domain.User, title, body string, data map[string]string) []notify.Message {
	msgs := make([]notify.Message, 0, len(users))
	for _, u := range users {
		if u.PushToken == "" {
			continue
		}
		msgs = append(msgs, notify.Message{To: u.PushToken, Title: title, Body: body, Data: data, Sound: "default"})
	}
	return msgs
}

func (h *NotificationHandler) send(ctx context.Context, eventType string, msgs []notify.Message) {
	if len(msgs) == 0 {
		return
	}
	results, err := h.notifier.Send(ctx, msgs)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"event_type": eventType, "recipients": len(msgs)}).Warn("push batch failed")
		recordPush(eventType, "failed", len(msgs))
		return
	}
	sent := 0
	for _, r := range results {
		if r.OK {
			sent++
			continue
		}
		h.log.WithFields(logrus.Fields{"event_type": eventType, "reason": r.Error}).Info("push rejected")
	}
	recordPush(eventType, "sent", sent)
	recordPush(eventType, "rejected", len(results)-sent)
}
