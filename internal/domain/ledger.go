package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubtaskInput is one line of a submission as sent by a client. Points is only
// consulted when Task is not in the catalog.
type SubtaskInput struct {
	Task   string           `json:"task"`
	Count  decimal.Decimal  `json:"count"`
	Points *decimal.Decimal `json:"points,omitempty"`
}

// SubtaskLine is a persisted activity/count pair. PointValue is frozen at creation.
type SubtaskLine struct {
	ID         string          `json:"id"`
	Activity   string          `json:"activity"`
	Category   Category        `json:"category"`
	PointValue decimal.Decimal `json:"point_value"`
	Count      decimal.Decimal `json:"count"`
	Total      decimal.Decimal `json:"total"`
}

// Summary is derived from the subtask lines and never set independently.
type Summary struct {
	TotalUnitCount decimal.Decimal
	TotalPoints    decimal.Decimal
}

// LedgerEntry is one submission batch owned by a user.
type LedgerEntry struct {
	ID          string
	UserID      string
	SubmittedAt time.Time
	Subtasks    []SubtaskLine
	Summary     Summary
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cursor models the pagination token for ledger listings.
type Cursor struct {
	SubmittedAt time.Time
	ID          string
}

// ValidateSubtasks rejects an empty batch, blank labels and non-positive counts.
func ValidateSubtasks(inputs []SubtaskInput) error {
	if len(inputs) == 0 {
		return validationf("at least one subtask is required")
	}
	for i, in := range inputs {
		if strings.TrimSpace(in.Task) == "" {
			return validationf("subtask %d: task is required", i)
		}
		if !in.Count.IsPositive() {
			return validationf("subtask %d: count must be > 0", i)
		}
		if in.Points != nil && in.Points.IsNegative() {
			return validationf("subtask %d: points must be >= 0", i)
		}
	}
	return nil
}

// ComputeSummary sums counts and point totals over lines.
func ComputeSummary(lines []SubtaskLine) Summary {
	sum := Summary{TotalUnitCount: decimal.Zero, TotalPoints: decimal.Zero}
	for _, line := range lines {
		sum.TotalUnitCount = sum.TotalUnitCount.Add(line.Count)
		sum.TotalPoints = sum.TotalPoints.Add(line.PointValue.Mul(line.Count))
	}
	return sum
}

// NewLedgerEntry builds an entry from resolved lines and derives every total.
func NewLedgerEntry(id, userID string, submittedAt time.Time, lines []SubtaskLine) LedgerEntry {
	entry := LedgerEntry{
		ID:          id,
		UserID:      userID,
		SubmittedAt: submittedAt,
		Subtasks:    lines,
		CreatedAt:   submittedAt,
		UpdatedAt:   submittedAt,
	}
	entry.recompute()
	return entry
}

// SetSubtaskCount edits one line's count and recomputes the line total and Summary.
func (e *LedgerEntry) SetSubtaskCount(subtaskID string, count decimal.Decimal, at time.Time) error {
	if !count.IsPositive() {
		return validationf("count must be > 0")
	}
	for i := range e.Subtasks {
		if e.Subtasks[i].ID == subtaskID {
			e.Subtasks[i].Count = count
			e.recompute()
			e.UpdatedAt = at
			return nil
		}
	}
	return notFound("subtask", subtaskID)
}

func (e *LedgerEntry) recompute() {
	for i := range e.Subtasks {
		e.Subtasks[i].Total = e.Subtasks[i].PointValue.Mul(e.Subtasks[i].Count)
	}
	e.Summary = ComputeSummary(e.Subtasks)
}

// resolveLine freezes a catalog point value into a new line. def is nil when the task
// is not in the catalog.
func resolveLine(id string, in SubtaskInput, def *ActivityDefinition) (SubtaskLine, error) {
	line := SubtaskLine{
		ID:       id,
		Activity: strings.TrimSpace(in.Task),
		Category: CategoryOther,
		Count:    in.Count,
	}
	switch {
	case def != nil:
		line.Activity = def.Name
		line.Category = def.Category
		line.PointValue = def.PointValue
	case in.Points != nil:
		line.PointValue = *in.Points
	default:
		return SubtaskLine{}, validationf("unknown activity %q and no point value supplied", line.Activity)
	}
	return line, nil
}
