// Package event holds the domain vocabulary shared by the reminder engine:
// scheduled entities (meetings, work sessions, holidays) and sprints, plus
// the identity rules the delivery ledger depends on.
package event

import (
	"strings"
	"time"
)

// Kind classifies a scheduled entity. The zero value is KindUnknown.
type Kind string

const (
	KindUnknown     Kind = ""
	KindMeeting     Kind = "meeting"
	KindWorkSession Kind = "work_session"
	KindSprint      Kind = "sprint"
	KindHoliday     Kind = "holiday"
	KindDeadline    Kind = "deadline"
	KindCelebration Kind = "celebration"
)

// ParseKind normalizes a backend event_type string.
// Unrecognized values map to KindUnknown; callers treat those like holidays
// for reminder-offset purposes but attach no reaction affordances.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "meeting":
		return KindMeeting
	case "work_session", "work-session":
		return KindWorkSession
	case "sprint":
		return KindSprint
	case "holiday":
		return KindHoliday
	case "deadline":
		return KindDeadline
	case "celebration":
		return KindCelebration
	default:
		return KindUnknown
	}
}

// Entity is one scheduled item from a tenant's backend.
//
// StartDate is "YYYY-MM-DD"; StartTime is "HH:MM" or "HH:MM:SS" and may be
// empty (all-day items such as holidays). Timezone is an IANA name and may be
// empty, in which case the tenant timezone (or UTC) applies.
type Entity struct {
	ID       string
	TenantID string

	Title       string
	Description string
	Kind        Kind

	StartDate string
	StartTime string
	Timezone  string
	EndDate   string
	Location  string

	IsRecurring       bool
	RecurringSeriesID string

	// RoleTargets are chat-platform mention handles attached by the backend.
	RoleTargets []string

	// SprintName is the active sprint a work session falls inside, attached
	// at intake time. Not a backend column.
	SprintName string

	NotifiedAt *time.Time
	MessageRef string
}

// StartInstant derives the entity's start from date+time+timezone.
// A date without a time resolves to midnight in loc.
func (e Entity) StartInstant(fallback *time.Location) (time.Time, error) {
	loc := fallback
	if tz := strings.TrimSpace(e.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.UTC
	}

	date := strings.TrimSpace(e.StartDate)
	if date == "" {
		return time.Time{}, ErrNoStartDate
	}

	if t := strings.TrimSpace(e.StartTime); t != "" {
		layout := "2006-01-02T15:04"
		if strings.Count(t, ":") == 2 {
			layout = "2006-01-02T15:04:05"
		}
		return time.ParseInLocation(layout, date+"T"+t, loc)
	}
	return time.ParseInLocation("2006-01-02", date, loc)
}

// DedupKey identifies the entity in the delivery ledger. Synthetic entries
// (imported holidays) have no id; their key is title + start date, which makes
// their reminders not robust to title edits. That is a known limitation of
// the upstream data, not something to paper over here.
func (e Entity) DedupKey() string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return id
	}
	return e.Title + "-" + e.StartDate
}

// FirstOccurrence reports whether this row is the generating occurrence of
// its recurring series. Non-recurring entities always count as first.
func (e Entity) FirstOccurrence() bool {
	if !e.IsRecurring {
		return true
	}
	return e.RecurringSeriesID == e.ID
}

// Sprint is a tenant work iteration with fixed start/end reminder offsets.
type Sprint struct {
	ID        string
	TenantID  string
	Name      string
	Goal      string
	StartDate time.Time
	EndDate   time.Time
}

// Phase distinguishes sprint start and end reminders in the ledger.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

// LedgerKey returns the dedup key for one phase of the sprint. Sprints
// without a stable id fall back to the name, mirroring Entity.DedupKey.
func (s Sprint) LedgerKey(p Phase) string {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = s.Name
	}
	return id + "-" + string(p)
}
