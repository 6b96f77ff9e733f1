package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/transport"
	logx "heimdall/pkg/logx"
)

var ErrNoBackend = errors.New("tenant has no backend configured")

// PG reads tenant backends over pgx. Pools are dialed lazily per tenant and
// replaced when the tenant's DSN changes.
type PG struct {
	log logx.Logger

	mu    sync.Mutex
	pools map[string]*tenantPool
}

type tenantPool struct {
	dsn  string
	pool *pgxpool.Pool
}

func NewPG(log logx.Logger) *PG {
	return &PG{log: log, pools: map[string]*tenantPool{}}
}

// Pool returns the tenant's connection pool, dialing on first use.
// The intake listener shares these pools for LISTEN/NOTIFY.
func (s *PG) Pool(ctx context.Context, tenant config.TenantConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(tenant.DatabaseURL)
	if dsn == "" {
		return nil, ErrNoBackend
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tp, ok := s.pools[tenant.ID]; ok {
		if tp.dsn == dsn {
			return tp.pool, nil
		}
		// Credentials changed on reconfiguration; drop the stale pool.
		tp.pool.Close()
		delete(s.pools, tenant.ID)
		s.log.Info("backend credentials changed; reconnecting", logx.String("tenant", tenant.ID))
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect tenant %s backend: %w", tenant.ID, err)
	}
	s.pools[tenant.ID] = &tenantPool{dsn: dsn, pool: pool}
	return pool, nil
}

func (s *PG) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tp := range s.pools {
		tp.pool.Close()
		delete(s.pools, id)
	}
}

const entityColumns = `
	id::text,
	coalesce(title, ''),
	coalesce(description, ''),
	coalesce(event_type, ''),
	coalesce(start_date::text, ''),
	coalesce(start_time::text, ''),
	coalesce(timezone, ''),
	coalesce(end_date::text, ''),
	coalesce(location, ''),
	coalesce(is_recurring, false),
	coalesce(recurring_event_id::text, ''),
	coalesce(role_targets, '{}'),
	notified_at,
	coalesce(message_ref, '')`

func (s *PG) UpcomingEvents(ctx context.Context, tenant config.TenantConfig, days int) ([]event.Entity, error) {
	pool, err := s.Pool(ctx, tenant)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT `+entityColumns+`
		FROM team_events
		WHERE start_date >= current_date
		  AND start_date <= current_date + $1::int
		ORDER BY start_date ASC, start_time ASC NULLS FIRST`, days)
	if err != nil {
		return nil, fmt.Errorf("query events for tenant %s: %w", tenant.ID, err)
	}
	defer rows.Close()

	return scanEntities(rows, tenant.ID)
}

func (s *PG) Holidays(ctx context.Context, tenant config.TenantConfig, days int) ([]event.Entity, error) {
	pool, err := s.Pool(ctx, tenant)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT
			coalesce(id::text, ''),
			coalesce(name, ''),
			coalesce(start_date::text, ''),
			coalesce(end_date::text, '')
		FROM holidays
		WHERE start_date >= current_date
		  AND start_date <= current_date + $1::int
		ORDER BY start_date ASC`, days)
	if err != nil {
		return nil, fmt.Errorf("query holidays for tenant %s: %w", tenant.ID, err)
	}
	defer rows.Close()

	var out []event.Entity
	for rows.Next() {
		var e event.Entity
		// Holiday rows use "name"; normalize to the entity title.
		if err := rows.Scan(&e.ID, &e.Title, &e.StartDate, &e.EndDate); err != nil {
			return nil, err
		}
		e.TenantID = tenant.ID
		e.Kind = event.KindHoliday
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PG) Sprints(ctx context.Context, tenant config.TenantConfig, limit int) ([]event.Sprint, error) {
	pool, err := s.Pool(ctx, tenant)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT id::text, coalesce(name, ''), coalesce(goal, ''), start_date, end_date
		FROM sprints
		ORDER BY start_date DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sprints for tenant %s: %w", tenant.ID, err)
	}
	defer rows.Close()

	var out []event.Sprint
	for rows.Next() {
		var sp event.Sprint
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.Goal, &sp.StartDate, &sp.EndDate); err != nil {
			return nil, err
		}
		sp.TenantID = tenant.ID
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *PG) CurrentSprint(ctx context.Context, tenant config.TenantConfig) (*event.Sprint, error) {
	pool, err := s.Pool(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var sp event.Sprint
	err = pool.QueryRow(ctx, `
		SELECT id::text, coalesce(name, ''), coalesce(goal, ''), start_date, end_date
		FROM sprints
		WHERE start_date <= now() AND end_date >= now()
		ORDER BY start_date DESC
		LIMIT 1`).Scan(&sp.ID, &sp.Name, &sp.Goal, &sp.StartDate, &sp.EndDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query current sprint for tenant %s: %w", tenant.ID, err)
	}
	sp.TenantID = tenant.ID
	return &sp, nil
}

func (s *PG) MarkNotified(ctx context.Context, tenant config.TenantConfig, entityID string, ref transport.MessageRef, at time.Time) error {
	pool, err := s.Pool(ctx, tenant)
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, `
		UPDATE team_events
		SET notified_at = $2, message_ref = $3
		WHERE id::text = $1 AND notified_at IS NULL`,
		entityID, at, formatRef(ref))
	if err != nil {
		return fmt.Errorf("mark notified %s for tenant %s: %w", entityID, tenant.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already marked by an earlier delivery; keep the first record.
		s.log.Debug("entity already marked notified", logx.String("tenant", tenant.ID), logx.String("entity", entityID))
	}
	return nil
}

func formatRef(ref transport.MessageRef) string {
	return fmt.Sprintf("%d:%d", ref.ChannelID, ref.MessageID)
}

func scanEntities(rows pgx.Rows, tenantID string) ([]event.Entity, error) {
	var out []event.Entity
	for rows.Next() {
		var (
			e        event.Entity
			kind     string
			notified *time.Time
		)
		if err := rows.Scan(
			&e.ID, &e.Title, &e.Description, &kind,
			&e.StartDate, &e.StartTime, &e.Timezone, &e.EndDate, &e.Location,
			&e.IsRecurring, &e.RecurringSeriesID, &e.RoleTargets,
			&notified, &e.MessageRef,
		); err != nil {
			return nil, err
		}
		e.TenantID = tenantID
		e.Kind = event.ParseKind(kind)
		e.NotifiedAt = notified
		out = append(out, e)
	}
	return out, rows.Err()
}
