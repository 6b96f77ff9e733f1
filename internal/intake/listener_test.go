package intake

import (
	"context"
	"sort"
	"testing"

	"heimdall/internal/config"
	"heimdall/internal/source"
	logx "heimdall/pkg/logx"
)

func snapshotWith(tenants ...config.TenantConfig) *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Tenants:  tenants,
	}
}

func (l *Listener) loopIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.loops))
	for id := range l.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func TestListenerReconcilesOnReload(t *testing.T) {
	alpha := config.TenantConfig{ID: "alpha", DatabaseURL: "postgres://alpha", Channel: -1}
	beta := config.TenantConfig{ID: "beta", DatabaseURL: "postgres://beta", Channel: -2}

	mgr := config.NewManager("")
	mgr.Commit(snapshotWith(alpha))

	pg := source.NewPG(logx.Nop())
	defer pg.Close()
	l := NewListener(mgr, pg, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	if got := l.loopIDs(); len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("loops after start = %v", got)
	}

	// A reload that adds a tenant grows the subscription set.
	l.Apply(snapshotWith(alpha, beta))
	if got := l.loopIDs(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("loops after add = %v", got)
	}

	// Re-pointing a tenant's backend restarts its loop under the new DSN.
	moved := alpha
	moved.DatabaseURL = "postgres://alpha-moved"
	l.Apply(snapshotWith(moved, beta))
	l.mu.Lock()
	dsn := l.loops["alpha"].dsn
	l.mu.Unlock()
	if dsn != "postgres://alpha-moved" {
		t.Fatalf("alpha loop dsn = %q", dsn)
	}

	// Dropping a tenant stops its loop.
	l.Apply(snapshotWith(beta))
	if got := l.loopIDs(); len(got) != 1 || got[0] != "beta" {
		t.Fatalf("loops after drop = %v", got)
	}

	// Unusable tenants never get a loop.
	unbound := config.TenantConfig{ID: "gamma"}
	l.Apply(snapshotWith(beta, unbound))
	if got := l.loopIDs(); len(got) != 1 || got[0] != "beta" {
		t.Fatalf("loops with unusable tenant = %v", got)
	}
}

func TestListenerApplyBeforeStartIsNoop(t *testing.T) {
	mgr := config.NewManager("")
	mgr.Commit(snapshotWith())

	pg := source.NewPG(logx.Nop())
	defer pg.Close()
	l := NewListener(mgr, pg, nil, logx.Nop())

	l.Apply(snapshotWith(config.TenantConfig{ID: "alpha", DatabaseURL: "postgres://alpha", Channel: -1}))
	if got := l.loopIDs(); len(got) != 0 {
		t.Fatalf("loops before start = %v", got)
	}
}
