package reminder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/notify"
	"heimdall/internal/source"
	"heimdall/internal/storage"
	"heimdall/internal/transport"
	logx "heimdall/pkg/logx"
)

type fakeSource struct {
	events   []event.Entity
	holidays []event.Entity
	sprints  []event.Sprint
}

func (f *fakeSource) UpcomingEvents(ctx context.Context, tenant config.TenantConfig, days int) ([]event.Entity, error) {
	return f.events, nil
}

func (f *fakeSource) Holidays(ctx context.Context, tenant config.TenantConfig, days int) ([]event.Entity, error) {
	return f.holidays, nil
}

func (f *fakeSource) Sprints(ctx context.Context, tenant config.TenantConfig, limit int) ([]event.Sprint, error) {
	return f.sprints, nil
}

func (f *fakeSource) CurrentSprint(ctx context.Context, tenant config.TenantConfig) (*event.Sprint, error) {
	return nil, nil
}

func (f *fakeSource) MarkNotified(ctx context.Context, tenant config.TenantConfig, entityID string, ref transport.MessageRef, at time.Time) error {
	return nil
}

func (f *fakeSource) Close() {}

type countingMessenger struct {
	mu     sync.Mutex
	nextID int
	titles []string
}

func (c *countingMessenger) Start(ctx context.Context, h transport.ReactionHandler) error { return nil }
func (c *countingMessenger) Stop(ctx context.Context) error                               { return nil }

func (c *countingMessenger) SendMessage(ctx context.Context, to transport.ChannelTarget, msg transport.Outbound) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.titles = append(c.titles, msg.Title)
	return transport.MessageRef{ChannelID: to.ChannelID, MessageID: c.nextID}, nil
}

func (c *countingMessenger) EditMessage(ctx context.Context, ref transport.MessageRef, msg transport.Outbound) error {
	return nil
}

func (c *countingMessenger) React(ctx context.Context, ref transport.MessageRef, emojis []string) error {
	return nil
}

func (c *countingMessenger) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.titles)
}

// clock is fixed so due windows are exact.
var tickNow = time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)

func entityStartingIn(minutes int, id, title string) event.Entity {
	at := tickNow.Add(time.Duration(minutes) * time.Minute)
	return event.Entity{
		ID:        id,
		Title:     title,
		Kind:      event.KindMeeting,
		StartDate: at.Format("2006-01-02"),
		StartTime: at.Format("15:04"),
		Timezone:  "UTC",
	}
}

func testService(t *testing.T, src source.Source) (*Service, *countingMessenger, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := config.NewManager("")
	mgr.Commit(&config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Tenants: []config.TenantConfig{{
			ID:          "acme",
			DatabaseURL: "postgres://x",
			Channel:     -100,
		}},
	})

	m := &countingMessenger{}
	disp := notify.NewDispatcher(notify.Config{BackoffUnit: time.Millisecond}, m, nil, logx.Nop())
	svc := NewService(mgr, src, st, disp, nil, logx.Nop())
	svc.now = func() time.Time { return tickNow }
	return svc, m, st
}

func TestDueWindowBoundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		minutes int
		want    int // sends for the 60-minute offset window
	}{
		{"exactly on offset", 60, 1},
		{"upper edge", 65, 1},
		{"lower edge", 55, 1},
		{"just past upper edge", 66, 0},
		{"just past lower edge", 54, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{events: []event.Entity{entityStartingIn(tt.minutes, "evt-1", "Standup")}}
			svc, m, _ := testService(t, src)
			svc.tick(context.Background())
			if got := m.sendCount(); got != tt.want {
				t.Fatalf("sends = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReminderFiresOncePerOffset(t *testing.T) {
	t.Parallel()
	src := &fakeSource{events: []event.Entity{entityStartingIn(62, "evt-1", "Standup")}}
	svc, m, st := testService(t, src)

	svc.tick(context.Background())
	svc.tick(context.Background())

	if got := m.sendCount(); got != 1 {
		t.Fatalf("sends across two ticks = %d, want 1", got)
	}
	sent, err := st.WasSent(context.Background(), "acme", "evt-1", 60)
	if err != nil || !sent {
		t.Fatalf("ledger entry missing: sent=%v err=%v", sent, err)
	}
}

func TestHolidayWithoutIDUsesTitleDateKey(t *testing.T) {
	t.Parallel()
	at := tickNow.Add(1440 * time.Minute)
	src := &fakeSource{holidays: []event.Entity{{
		Title:     "Founders Day",
		Kind:      event.KindHoliday,
		StartDate: at.Format("2006-01-02"),
		StartTime: at.Format("15:04"),
		Timezone:  "UTC",
	}}}
	svc, m, st := testService(t, src)
	svc.tick(context.Background())

	if got := m.sendCount(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	key := "Founders Day-" + at.Format("2006-01-02")
	sent, err := st.WasSent(context.Background(), "acme", key, 1440)
	if err != nil || !sent {
		t.Fatalf("ledger entry for %q missing: sent=%v err=%v", key, sent, err)
	}
}

func TestSprintStartAndEndLedgeredSeparately(t *testing.T) {
	t.Parallel()
	src := &fakeSource{sprints: []event.Sprint{{
		ID:        "spr-7",
		Name:      "Sprint 7",
		StartDate: tickNow.Add(60 * time.Minute),
		EndDate:   tickNow.Add(1440 * time.Minute),
	}}}
	svc, m, st := testService(t, src)
	svc.tick(context.Background())

	if got := m.sendCount(); got != 2 {
		t.Fatalf("sends = %d, want start and end reminders", got)
	}
	for _, key := range []string{"spr-7-start", "spr-7-end"} {
		offset := 60
		if key == "spr-7-end" {
			offset = 1440
		}
		sent, err := st.WasSent(context.Background(), "acme", key, offset)
		if err != nil || !sent {
			t.Fatalf("ledger entry %q/%d missing: sent=%v err=%v", key, offset, sent, err)
		}
	}
}

func TestUnusableTenantSkipped(t *testing.T) {
	t.Parallel()
	src := &fakeSource{events: []event.Entity{entityStartingIn(60, "evt-1", "Standup")}}
	svc, m, _ := testService(t, src)
	svc.mgr.Commit(&config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Tenants:  []config.TenantConfig{{ID: "acme"}}, // no channel, no backend
	})
	svc.tick(context.Background())
	if got := m.sendCount(); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
}
