// Package intake turns backend row insertions into "new event"
// announcements. Rows arrive over two paths, an authenticated webhook and
// a Postgres LISTEN/NOTIFY subscription, and both funnel through the same
// eligibility check so an event announced on one path is skipped on the
// other.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/notify"
	"heimdall/internal/rsvp"
	logx "heimdall/pkg/logx"
)

// Outcome is the intake decision for one inserted row.
type Outcome int

const (
	Delivered Outcome = iota
	SkipNoTenant
	SkipNonFirst
	SkipAlreadyNotified
	SkipUnknownTenant
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case SkipNoTenant:
		return "no tenant binding"
	case SkipNonFirst:
		return "recurring non-first occurrence"
	case SkipAlreadyNotified:
		return "already notified"
	case SkipUnknownTenant:
		return "unknown tenant"
	case Failed:
		return "delivery failed"
	default:
		return "unknown outcome"
	}
}

// Skipped reports whether the outcome is a deliberate non-delivery.
func (o Outcome) Skipped() bool { return o != Delivered && o != Failed }

// SprintLookup resolves the sprint covering now, if any.
type SprintLookup interface {
	CurrentSprint(ctx context.Context, tenant config.TenantConfig) (*event.Sprint, error)
}

// Service applies the eligibility rules and dispatches announcements.
type Service struct {
	mgr     *config.Manager
	disp    *notify.Dispatcher
	rsvps   *rsvp.Handler
	sprints SprintLookup
	log     logx.Logger
}

func NewService(mgr *config.Manager, disp *notify.Dispatcher, rsvps *rsvp.Handler, sprints SprintLookup, log logx.Logger) *Service {
	return &Service{mgr: mgr, disp: disp, rsvps: rsvps, sprints: sprints, log: log.With(logx.String("comp", "intake"))}
}

// Handle announces one inserted entity. Checks run in a fixed order, most
// fundamental first: an unbound row is skipped before its recurrence or
// notification state is even considered.
func (s *Service) Handle(ctx context.Context, tenantID string, e event.Entity) (Outcome, error) {
	if strings.TrimSpace(tenantID) == "" {
		return SkipNoTenant, nil
	}
	if !e.FirstOccurrence() {
		return SkipNonFirst, nil
	}
	if e.NotifiedAt != nil {
		return SkipAlreadyNotified, nil
	}
	tenant, ok := s.mgr.Tenant(tenantID)
	if !ok || !tenant.Usable() {
		return SkipUnknownTenant, nil
	}

	// Work sessions carry the active sprint as context.
	if e.Kind == event.KindWorkSession && s.sprints != nil {
		switch sp, err := s.sprints.CurrentSprint(ctx, tenant); {
		case err != nil:
			s.log.Warn("current sprint lookup failed",
				logx.String("tenant", tenantID), logx.Err(err))
		case sp != nil:
			e.SprintName = sp.Name
		}
	}

	ref, err := s.disp.SendWithRetry(ctx, tenant, e)
	if err != nil {
		return Failed, fmt.Errorf("announce %q for tenant %s: %w", e.Title, tenantID, err)
	}
	if s.rsvps != nil && len(notify.ReactionsFor(e.Kind)) > 0 {
		s.rsvps.Track(ref, notify.BuildEntityMessage(tenant, e, notify.PresentNewEvent, 0))
	}
	s.log.Info("new event announced",
		logx.String("tenant", tenantID), logx.String("title", e.Title), logx.String("id", e.ID))
	return Delivered, nil
}

// rowRecord is the backend row shape shared by the webhook payload and the
// LISTEN/NOTIFY payload.
type rowRecord struct {
	ID               string   `json:"id"`
	TenantID         string   `json:"tenant_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	EventType        string   `json:"event_type"`
	StartDate        string   `json:"start_date"`
	StartTime        string   `json:"start_time"`
	Timezone         string   `json:"timezone"`
	EndDate          string   `json:"end_date"`
	Location         string   `json:"location"`
	IsRecurring      bool     `json:"is_recurring"`
	RecurringEventID string   `json:"recurring_event_id"`
	RoleTargets      []string `json:"role_targets"`
	NotifiedAt       string   `json:"notified_at"`
	MessageRef       string   `json:"message_ref"`
}

// decodeRecord parses a row JSON document into the domain entity plus its
// tenant binding.
func decodeRecord(raw []byte) (string, event.Entity, error) {
	var r rowRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", event.Entity{}, fmt.Errorf("decode record: %w", err)
	}
	e := event.Entity{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Title:             r.Title,
		Description:       r.Description,
		Kind:              event.ParseKind(r.EventType),
		StartDate:         r.StartDate,
		StartTime:         r.StartTime,
		Timezone:          r.Timezone,
		EndDate:           r.EndDate,
		Location:          r.Location,
		IsRecurring:       r.IsRecurring,
		RecurringSeriesID: r.RecurringEventID,
		RoleTargets:       r.RoleTargets,
		MessageRef:        r.MessageRef,
	}
	if ts := strings.TrimSpace(r.NotifiedAt); ts != "" {
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			// The column was set; unparseable formatting still means
			// "already notified".
			at = time.Time{}
		}
		e.NotifiedAt = &at
	}
	return r.TenantID, e, nil
}
