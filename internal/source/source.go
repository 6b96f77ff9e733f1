// Package source reads scheduled entities from each tenant's own Postgres
// backend and carries the single write the engine performs there: marking an
// entity notified after a confirmed delivery.
package source

import (
	"context"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/transport"
)

// Source is the read/write surface over a tenant's event backend.
type Source interface {
	// UpcomingEvents returns entities starting within the next days,
	// ordered by start date then start time ascending.
	UpcomingEvents(ctx context.Context, tenant config.TenantConfig, days int) ([]event.Entity, error)
	// Holidays returns holiday entries within the next days. Holiday rows
	// carry a name rather than a title and frequently no id.
	Holidays(ctx context.Context, tenant config.TenantConfig, days int) ([]event.Entity, error)
	// Sprints returns the latest sprints by start date, newest first.
	Sprints(ctx context.Context, tenant config.TenantConfig, limit int) ([]event.Sprint, error)
	// CurrentSprint returns the sprint covering now, or nil when none is
	// active.
	CurrentSprint(ctx context.Context, tenant config.TenantConfig) (*event.Sprint, error)
	// MarkNotified records a delivered "new entity" notification on the row.
	MarkNotified(ctx context.Context, tenant config.TenantConfig, entityID string, ref transport.MessageRef, at time.Time) error

	Close()
}
