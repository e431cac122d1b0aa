package outbox

import "example.com/sadhana/internal/events"

// Route says where an event type is published and which JSON schema frames it.
type Route struct {
	Topic         string
	SchemaSubject string
	Schema        string
}

// Topics carrying sadhana events.
const (
	TopicLedgerEvents = "ledger_events"
	TopicFamilyEvents = "family_events"
)

var routes = map[string]Route{
	events.TypeLedgerSubmitted: {
		Topic:         TopicLedgerEvents,
		SchemaSubject: TopicLedgerEvents + "-value",
		Schema:        ledgerSubmittedSchema,
	},
	events.TypeFamilyMemberJoined: {
		Topic:         TopicFamilyEvents,
		SchemaSubject: TopicFamilyEvents + "-value",
		Schema:        familyMemberJoinedSchema,
	},
}

// RouteFor looks up the route of an event type.
func RouteFor(eventType string) (Route, bool) {
	r, ok := routes[eventType]
	return r, ok
}

const ledgerSubmittedSchema = `{
  "type": "object",
  "title": "LedgerSubmitted",
  "properties": {
    "entry_id": {"type": "string"},
    "user_id": {"type": "string"},
    "family_id": {"type": "string"},
    "total_points": {"type": "string"},
    "total_units": {"type": "string"},
    "submitted_at": {"type": "string", "format": "date-time"}
  },
  "required": ["entry_id", "user_id", "total_points", "total_units", "submitted_at"],
  "additionalProperties": false
}`

const familyMemberJoinedSchema = `{
  "type": "object",
  "title": "FamilyMemberJoined",
  "properties": {
    "family_id": {"type": "string"},
    "user_id": {"type": "string"},
    "joined_at": {"type": "string", "format": "date-time"}
  },
  "required": ["family_id", "user_id", "joined_at"],
  "additionalProperties": false
}`
