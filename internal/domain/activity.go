package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category groups catalog activities.
type Category string

const (
	CategoryDevotion  Category = "Devotion"
	CategoryAusterity Category = "Austerity"
	CategoryText      Category = "Text"
	CategoryGathering Category = "Gathering"
	CategoryOther     Category = "Other"
)

// ParseCategory accepts a category name case-insensitively.
func ParseCategory(raw string) (Category, error) {
	for _, c := range []Category{CategoryDevotion, CategoryAusterity, CategoryText, CategoryGathering, CategoryOther} {
		if strings.EqualFold(strings.TrimSpace(raw), string(c)) {
			return c, nil
		}
	}
	return "", validationf("unknown category %q", raw)
}

// ActivityDefinition is one catalog row. PointValue is per unit; Progress is the
// cumulative number of units logged against the activity across all users.
type ActivityDefinition struct {
	Name        string
	DisplayName string
	Category    Category
	PointValue  decimal.Decimal
	Progress    decimal.Decimal
	UpdatedAt   time.Time
}

// ActivityKey normalises an activity label into a catalog key.
func ActivityKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Validate checks a definition before it is upserted.
func (a ActivityDefinition) Validate() error {
	if ActivityKey(a.Name) == "" {
		return validationf("activity name is required")
	}
	if _, err := ParseCategory(string(a.Category)); err != nil {
		return err
	}
	if !a.PointValue.IsPositive() {
		return validationf("point value for %q must be > 0", a.Name)
	}
	return nil
}

func seed(name, display string, category Category, points string) ActivityDefinition {
	return ActivityDefinition{
		Name:        name,
		DisplayName: display,
		Category:    category,
		PointValue:  decimal.RequireFromString(points),
		Progress:    decimal.Zero,
	}
}

// DefaultCatalog is the seed catalog installed on an empty store.
func DefaultCatalog() []ActivityDefinition {
	return []ActivityDefinition{
		seed("mala", "Mala", CategoryDevotion, "10.8"),
		seed("japa", "Japa", CategoryDevotion, "0.1"),
		seed("prayer", "Prayer", CategoryDevotion, "1"),
		seed("aarti", "Aarti", CategoryDevotion, "2"),
		seed("fasting", "Fasting", CategoryAusterity, "20"),
		seed("silence", "Silence (hour)", CategoryAusterity, "5"),
		seed("scripture reading", "Scripture Reading (page)", CategoryText, "2"),
		seed("verse memorised", "Verse Memorised", CategoryText, "3"),
		seed("satsang", "Satsang", CategoryGathering, "10"),
		seed("seva", "Seva (hour)", CategoryGathering, "5"),
		seed("other", "Other", CategoryOther, "1"),
	}
}
