package intake

import (
	"context"
	"sync"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/source"
	logx "heimdall/pkg/logx"
)

const (
	notifyChannel = "team_events_inserted"

	listenRetryMin = 5 * time.Second
	listenRetryMax = time.Minute
)

// Listener subscribes to each tenant backend's insert notifications. The
// backend raises NOTIFY with the inserted row as JSON payload; that is the
// push counterpart to the webhook, used when the engine can reach the
// database directly.
type Listener struct {
	mgr     *config.Manager
	pg      *source.PG
	handler *Service
	log     logx.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	loops map[string]*tenantLoop
}

// tenantLoop is one live subscription. The DSN is remembered so a reload
// that re-points a tenant's backend restarts its loop.
type tenantLoop struct {
	cancel context.CancelFunc
	dsn    string
}

func NewListener(mgr *config.Manager, pg *source.PG, handler *Service, log logx.Logger) *Listener {
	return &Listener{
		mgr:     mgr,
		pg:      pg,
		handler: handler,
		log:     log.With(logx.String("comp", "listener")),
		loops:   map[string]*tenantLoop{},
	}
}

// Start spawns one subscription loop per usable tenant.
func (l *Listener) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.Apply(l.mgr.Get())
}

// Apply reconciles the subscription set against a config snapshot: loops
// start for new usable tenants, stop for removed ones, and restart when a
// tenant's backend DSN changed. No-op before Start.
func (l *Listener) Apply(cfg *config.Config) {
	if cfg == nil || l.ctx == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	want := map[string]config.TenantConfig{}
	for _, tenant := range cfg.Tenants {
		if tenant.Usable() {
			want[tenant.ID] = tenant
		}
	}

	for id, loop := range l.loops {
		if tenant, ok := want[id]; ok && tenant.DatabaseURL == loop.dsn {
			continue
		}
		loop.cancel()
		delete(l.loops, id)
		l.log.Info("subscription dropped", logx.String("tenant", id))
	}
	for id, tenant := range want {
		if _, ok := l.loops[id]; ok {
			continue
		}
		lctx, cancel := context.WithCancel(l.ctx)
		l.loops[id] = &tenantLoop{cancel: cancel, dsn: tenant.DatabaseURL}
		l.wg.Add(1)
		go func(tenant config.TenantConfig) {
			defer l.wg.Done()
			l.run(lctx, tenant)
		}(tenant)
	}
}

func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// run keeps one tenant's LISTEN subscription alive, reconnecting with a
// doubling delay after failures.
func (l *Listener) run(ctx context.Context, tenant config.TenantConfig) {
	delay := listenRetryMin
	for {
		err := l.listenOnce(ctx, tenant)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("subscription lost, reconnecting",
			logx.String("tenant", tenant.ID), logx.Duration("retry_in", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > listenRetryMax {
			delay = listenRetryMax
		}
	}
}

// listenOnce holds a dedicated connection on LISTEN until it fails or the
// context ends. Connection lifecycle is only logged; row handling failures
// are logged too but never tear the subscription down.
func (l *Listener) listenOnce(ctx context.Context, tenant config.TenantConfig) error {
	pool, err := l.pg.Pool(ctx, tenant)
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	l.log.Info("subscribed to inserts", logx.String("tenant", tenant.ID))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, tenant, []byte(n.Payload))
	}
}

func (l *Listener) dispatch(ctx context.Context, tenant config.TenantConfig, payload []byte) {
	tenantID, entity, err := decodeRecord(payload)
	if err != nil {
		l.log.Warn("notification payload unreadable", logx.String("tenant", tenant.ID), logx.Err(err))
		return
	}
	// Rows arriving on a tenant's own subscription belong to that tenant
	// even when the column is absent.
	if tenantID == "" {
		tenantID = tenant.ID
	}
	outcome, err := l.handler.Handle(ctx, tenantID, entity)
	switch {
	case err != nil:
		l.log.Error("announcement failed", logx.String("tenant", tenantID), logx.Err(err))
	case outcome.Skipped():
		l.log.Debug("insert skipped",
			logx.String("tenant", tenantID), logx.String("reason", outcome.String()))
	}
}
