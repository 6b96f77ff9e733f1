package notify

import (
	"fmt"
	"strings"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/transport"
)

// Recognized RSVP reaction symbols. These are the only emojis the tracker
// counts; anything else on a message is ignored.
const (
	EmojiAccept  = "✅"
	EmojiDecline = "❌"
	EmojiMaybe   = "❓"
)

// ReactionsFor returns the response affordances for an entity kind:
// three-way for meetings, two-way for work sessions, none otherwise.
func ReactionsFor(kind event.Kind) []string {
	switch kind {
	case event.KindMeeting:
		return []string{EmojiAccept, EmojiDecline, EmojiMaybe}
	case event.KindWorkSession:
		return []string{EmojiAccept, EmojiDecline}
	default:
		return nil
	}
}

// Presentation selects a notification's framing.
type Presentation int

const (
	PresentReminder Presentation = iota
	PresentNewEvent
	PresentSprintStarting
	PresentSprintEnding
)

// BuildEntityMessage renders an entity notification. minutesUntil only
// matters for PresentReminder.
func BuildEntityMessage(tenant config.TenantConfig, e event.Entity, p Presentation, minutesUntil int) transport.Outbound {
	var out transport.Outbound

	switch p {
	case PresentNewEvent:
		out.Title = "📅 New Event: " + e.Title
	case PresentReminder:
		if e.Kind == event.KindHoliday {
			out.Title = "🎉 " + e.Title
		} else {
			out.Title = "⏰ Reminder: " + e.Title
		}
	default:
		out.Title = e.Title
	}

	var b strings.Builder
	if p == PresentReminder && e.Kind != event.KindHoliday {
		fmt.Fprintf(&b, "This event is starting %s!\n", formatMinutes(minutesUntil))
	}
	if e.Description != "" {
		b.WriteString(e.Description)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Date: %s", e.StartDate)
	if e.StartTime != "" {
		fmt.Fprintf(&b, " %s", e.StartTime)
		if e.Timezone != "" {
			fmt.Fprintf(&b, " (%s)", e.Timezone)
		}
	}
	if e.Location != "" {
		fmt.Fprintf(&b, "\nLocation: %s", e.Location)
	}
	if e.SprintName != "" {
		fmt.Fprintf(&b, "\nSprint: %s", e.SprintName)
	}
	out.Body = b.String()

	out.Mention = mentionFor(tenant, e)
	out.Reactions = ReactionsFor(e.Kind)
	return out
}

// BuildSprintMessage renders a sprint start/end reminder.
func BuildSprintMessage(tenant config.TenantConfig, s event.Sprint, p Presentation, minutesUntil int) transport.Outbound {
	var out transport.Outbound
	switch p {
	case PresentSprintEnding:
		out.Title = "🏁 Sprint Ending: " + s.Name
		out.Body = fmt.Sprintf("Sprint %q is ending %s!", s.Name, formatMinutes(minutesUntil))
	default:
		out.Title = "🚀 Sprint Starting: " + s.Name
		out.Body = fmt.Sprintf("Sprint %q is starting %s!", s.Name, formatMinutes(minutesUntil))
	}
	if s.Goal != "" {
		out.Body += "\nGoal: " + s.Goal
	}
	out.Body += fmt.Sprintf("\n%s → %s",
		s.StartDate.Format("Mon, Jan 2 2006"), s.EndDate.Format("Mon, Jan 2 2006"))

	// Sprint reminders concern everyone.
	out.Mention = tenant.MentionAll
	return out
}

// mentionFor builds the ping string: explicit role targets win; holidays fall
// back to the tenant's all-members tag; everything else pings nobody.
func mentionFor(tenant config.TenantConfig, e event.Entity) string {
	if len(e.RoleTargets) > 0 {
		return strings.Join(e.RoleTargets, " ")
	}
	if e.Kind == event.KindHoliday {
		return tenant.MentionAll
	}
	return ""
}

func formatMinutes(minutes int) string {
	switch {
	case minutes <= 0:
		return "now"
	case minutes < 60:
		return fmt.Sprintf("in %s", plural(minutes, "minute"))
	case minutes < 24*60:
		return fmt.Sprintf("in %s", plural(minutes/60, "hour"))
	default:
		return fmt.Sprintf("in %s", plural(minutes/(24*60), "day"))
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// MinutesUntil computes whole minutes from now until t, rounding down: an
// entity 30 seconds underway is -1 minutes, not 0.
func MinutesUntil(now, t time.Time) int {
	d := t.Sub(now)
	m := int(d / time.Minute)
	if d < 0 && d%time.Minute != 0 {
		m--
	}
	return m
}
