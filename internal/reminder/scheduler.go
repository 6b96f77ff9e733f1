// Package reminder drives the periodic due-window check: every tick it
// pulls each tenant's upcoming entities, decides which reminder offsets
// are due, and hands deliveries to the dispatcher, recording each one in
// the ledger so it fires at most once.
package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/notify"
	"heimdall/internal/rsvp"
	"heimdall/internal/source"
	"heimdall/internal/storage"
	"heimdall/internal/transport"
	logx "heimdall/pkg/logx"
)

const (
	// dueWindowMinutes is the tolerance around a reminder offset. A tick
	// fires an offset when the whole-minute countdown lands within it.
	dueWindowMinutes = 5

	defaultTick                 = "*/5 * * * *"
	defaultEventLookaheadDays   = 7
	defaultHolidayLookaheadDays = 30
	defaultSprintFetchLimit     = 5
	defaultStopGrace            = 20 * time.Second
)

// sprintOffsets are fixed: sprints get a day-before and an hour-before
// reminder for both their start and their end, regardless of tenant
// reminder_times.
var sprintOffsets = []int{1440, 60}

type Service struct {
	mgr   *config.Manager
	src   source.Source
	store storage.Store
	disp  *notify.Dispatcher
	rsvps *rsvp.Handler
	log   logx.Logger

	cron    *cron.Cron
	tickMu  sync.Mutex // rejects overlapping ticks
	running sync.WaitGroup
	now     func() time.Time
}

func NewService(mgr *config.Manager, src source.Source, store storage.Store, disp *notify.Dispatcher, rsvps *rsvp.Handler, log logx.Logger) *Service {
	return &Service{
		mgr:   mgr,
		src:   src,
		store: store,
		disp:  disp,
		rsvps: rsvps,
		log:   log.With(logx.String("comp", "reminder")),
		now:   time.Now,
	}
}

func (s *Service) schedulerConfig() config.SchedulerConfig {
	sc := s.mgr.Get().Scheduler
	if sc.Tick == "" {
		sc.Tick = defaultTick
	}
	if sc.EventLookaheadDays <= 0 {
		sc.EventLookaheadDays = defaultEventLookaheadDays
	}
	if sc.HolidayLookaheadDays <= 0 {
		sc.HolidayLookaheadDays = defaultHolidayLookaheadDays
	}
	if sc.SprintFetchLimit <= 0 {
		sc.SprintFetchLimit = defaultSprintFetchLimit
	}
	return sc
}

// Start registers the tick on a cron runner and returns immediately.
func (s *Service) Start(ctx context.Context) error {
	sc := s.schedulerConfig()
	c := cron.New()
	if _, err := c.AddFunc(sc.Tick, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("scheduler started", logx.String("tick", sc.Tick))
	return nil
}

// Stop halts the cron runner and waits for an in-flight tick up to the
// configured grace.
func (s *Service) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	grace, err := config.ParseDurationOrDefault("scheduler.stop_grace", s.mgr.Get().Scheduler.StopGrace, defaultStopGrace)
	if err != nil {
		grace = defaultStopGrace
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(grace):
		s.log.Warn("tick still running at shutdown", logx.Duration("grace", grace))
	case <-ctx.Done():
	}
}

// tick runs one due-window pass over every usable tenant. Tenants are
// checked concurrently and independently: one tenant's backend being down
// must not delay or skip the others.
func (s *Service) tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.log.Warn("previous tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()

	sc := s.schedulerConfig()
	now := s.now()
	tenants := s.mgr.Get().Tenants

	var wg sync.WaitGroup
	for _, tenant := range tenants {
		if !tenant.Usable() {
			continue
		}
		wg.Add(1)
		go func(tenant config.TenantConfig) {
			defer wg.Done()
			if err := s.checkTenant(ctx, sc, tenant, now); err != nil {
				s.log.Error("tenant check failed", logx.String("tenant", tenant.ID), logx.Err(err))
			}
		}(tenant)
	}
	wg.Wait()
}

func (s *Service) checkTenant(ctx context.Context, sc config.SchedulerConfig, tenant config.TenantConfig, now time.Time) error {
	events, err := s.src.UpcomingEvents(ctx, tenant, sc.EventLookaheadDays)
	if err != nil {
		return err
	}
	holidays, err := s.src.Holidays(ctx, tenant, sc.HolidayLookaheadDays)
	if err != nil {
		s.log.Warn("holiday fetch failed", logx.String("tenant", tenant.ID), logx.Err(err))
	}
	for _, e := range append(events, holidays...) {
		s.checkEntity(ctx, tenant, e, now)
	}

	sprints, err := s.src.Sprints(ctx, tenant, sc.SprintFetchLimit)
	if err != nil {
		s.log.Warn("sprint fetch failed", logx.String("tenant", tenant.ID), logx.Err(err))
	}
	for _, sp := range sprints {
		s.checkSprint(ctx, tenant, sp, now)
	}
	return nil
}

// checkEntity fires every offset of the entity whose countdown currently
// falls inside the due window and has no ledger entry yet.
func (s *Service) checkEntity(ctx context.Context, tenant config.TenantConfig, e event.Entity, now time.Time) {
	start, err := e.StartInstant(tenant.Location())
	if err != nil {
		s.log.Debug("entity skipped", logx.String("tenant", tenant.ID), logx.String("title", e.Title), logx.Err(err))
		return
	}
	minutes := notify.MinutesUntil(now, start)
	key := e.DedupKey()

	for _, offset := range tenant.ReminderOffsets(e.Kind) {
		if !withinWindow(minutes, offset) {
			continue
		}
		sent, err := s.wasSent(ctx, tenant.ID, key, offset)
		if err != nil {
			s.log.Error("ledger read failed", logx.String("tenant", tenant.ID), logx.Err(err))
			continue
		}
		if sent {
			continue
		}
		ref, err := s.disp.SendReminder(ctx, tenant, e, minutes)
		if err != nil {
			// Leave the ledger untouched: the window spans further
			// ticks, so delivery gets retried there.
			s.log.Error("reminder delivery failed",
				logx.String("tenant", tenant.ID), logx.String("title", e.Title),
				logx.Int("offset", offset), logx.Err(err))
			continue
		}
		s.markSent(ctx, tenant.ID, key, offset, e.Title, now)
		s.trackRSVP(ref, tenant, e, minutes)
		s.log.Info("reminder sent",
			logx.String("tenant", tenant.ID), logx.String("title", e.Title),
			logx.Int("offset", offset), logx.Int("minutes_until", minutes))
	}
}

func (s *Service) checkSprint(ctx context.Context, tenant config.TenantConfig, sp event.Sprint, now time.Time) {
	phases := []struct {
		phase event.Phase
		at    time.Time
		pres  notify.Presentation
	}{
		{event.PhaseStart, sp.StartDate, notify.PresentSprintStarting},
		{event.PhaseEnd, sp.EndDate, notify.PresentSprintEnding},
	}
	for _, ph := range phases {
		if ph.at.IsZero() {
			continue
		}
		minutes := notify.MinutesUntil(now, ph.at)
		key := sp.LedgerKey(ph.phase)
		for _, offset := range sprintOffsets {
			if !withinWindow(minutes, offset) {
				continue
			}
			sent, err := s.wasSent(ctx, tenant.ID, key, offset)
			if err != nil || sent {
				continue
			}
			if _, err := s.disp.SendSprintReminder(ctx, tenant, sp, ph.pres, minutes); err != nil {
				s.log.Error("sprint reminder failed",
					logx.String("tenant", tenant.ID), logx.String("sprint", sp.Name), logx.Err(err))
				continue
			}
			s.markSent(ctx, tenant.ID, key, offset, sp.Name, now)
			s.log.Info("sprint reminder sent",
				logx.String("tenant", tenant.ID), logx.String("sprint", sp.Name),
				logx.String("phase", string(ph.phase)), logx.Int("offset", offset))
		}
	}
}

func (s *Service) trackRSVP(ref transport.MessageRef, tenant config.TenantConfig, e event.Entity, minutes int) {
	if s.rsvps == nil || ref.IsZero() || len(notify.ReactionsFor(e.Kind)) == 0 {
		return
	}
	s.rsvps.Track(ref, notify.BuildEntityMessage(tenant, e, notify.PresentReminder, minutes))
}

func (s *Service) wasSent(ctx context.Context, tenant, key string, offset int) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	return s.store.WasSent(ctx, tenant, key, offset)
}

func (s *Service) markSent(ctx context.Context, tenant, key string, offset int, label string, at time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.MarkSent(ctx, tenant, key, offset, label, at); err != nil {
		s.log.Error("ledger write failed", logx.String("tenant", tenant), logx.String("key", key), logx.Err(err))
	}
}

func withinWindow(minutesUntil, offset int) bool {
	d := minutesUntil - offset
	if d < 0 {
		d = -d
	}
	return d <= dueWindowMinutes
}
