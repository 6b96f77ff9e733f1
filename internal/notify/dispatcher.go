// Package notify is the single place delivery side effects happen: it builds
// a tenant notification, sends it to the tenant's channel, attaches reaction
// affordances, and (for intake-driven deliveries) marks the entity notified.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/transport"
	logx "heimdall/pkg/logx"
)

var (
	// ErrNoChannel marks a tenant without a usable notification channel.
	// Callers skip the tenant; there is nothing to retry.
	ErrNoChannel = errors.New("tenant has no notification channel")
)

// EntityMarker is the one write the dispatcher performs on the backend.
type EntityMarker interface {
	MarkNotified(ctx context.Context, tenant config.TenantConfig, entityID string, ref transport.MessageRef, at time.Time) error
}

// Config tunes the retry policy used by SendWithRetry.
type Config struct {
	// MaxAttempts caps delivery attempts (default 3).
	MaxAttempts int
	// BackoffUnit scales the exponential delay; production uses one second
	// (2s, 4s, ... between attempts), tests shrink it.
	BackoffUnit time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	return c
}

type Dispatcher struct {
	cfg       Config
	messenger transport.Messenger
	marker    EntityMarker
	log       logx.Logger

	now func() time.Time
}

func NewDispatcher(cfg Config, m transport.Messenger, marker EntityMarker, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		messenger: m,
		marker:    marker,
		log:       log,
		now:       time.Now,
	}
}

// Send delivers one pre-built message to the tenant's channel and attaches
// its reaction affordances. A failed reaction attach does not fail the
// delivery; the message is already visible.
func (d *Dispatcher) Send(ctx context.Context, tenant config.TenantConfig, msg transport.Outbound) (transport.MessageRef, error) {
	if tenant.Channel == 0 {
		return transport.MessageRef{}, fmt.Errorf("tenant %s: %w", tenant.ID, ErrNoChannel)
	}

	target := transport.ChannelTarget{ChannelID: tenant.Channel, ThreadID: tenant.ThreadID}
	ref, err := d.messenger.SendMessage(ctx, target, msg)
	if err != nil {
		return transport.MessageRef{}, err
	}

	if len(msg.Reactions) > 0 {
		if rerr := d.messenger.React(ctx, ref, msg.Reactions); rerr != nil {
			d.log.Warn("failed to attach reactions",
				logx.String("tenant", tenant.ID), logx.Int("message", ref.MessageID), logx.Err(rerr))
		}
	}
	return ref, nil
}

// SendReminder delivers a scheduled reminder for an entity.
func (d *Dispatcher) SendReminder(ctx context.Context, tenant config.TenantConfig, e event.Entity, minutesUntil int) (transport.MessageRef, error) {
	msg := BuildEntityMessage(tenant, e, PresentReminder, minutesUntil)
	ref, err := d.Send(ctx, tenant, msg)
	if err != nil {
		return transport.MessageRef{}, err
	}
	d.log.Info("sent reminder",
		logx.String("tenant", tenant.ID),
		logx.String("entity", e.DedupKey()),
		logx.String("title", e.Title),
		logx.Int("minutes_until", minutesUntil))
	return ref, nil
}

// SendSprintReminder delivers a sprint start/end reminder.
func (d *Dispatcher) SendSprintReminder(ctx context.Context, tenant config.TenantConfig, s event.Sprint, p Presentation, minutesUntil int) (transport.MessageRef, error) {
	msg := BuildSprintMessage(tenant, s, p, minutesUntil)
	ref, err := d.Send(ctx, tenant, msg)
	if err != nil {
		return transport.MessageRef{}, err
	}
	d.log.Info("sent sprint reminder",
		logx.String("tenant", tenant.ID),
		logx.String("sprint", s.Name),
		logx.Int("minutes_until", minutesUntil))
	return ref, nil
}

// SendWithRetry delivers a "new entity" notification with bounded retries
// and exponential backoff (2^attempt seconds). On a confirmed send the
// entity is marked notified exactly once; never before. If every attempt
// fails the last error is surfaced and the entity stays eligible for a
// later intake push.
func (d *Dispatcher) SendWithRetry(ctx context.Context, tenant config.TenantConfig, e event.Entity) (transport.MessageRef, error) {
	msg := BuildEntityMessage(tenant, e, PresentNewEvent, 0)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		ref, err := d.Send(ctx, tenant, msg)
		if err == nil {
			d.log.Info("sent new-event notification",
				logx.String("tenant", tenant.ID),
				logx.String("entity", e.ID),
				logx.Int("attempt", attempt))
			d.markNotified(ctx, tenant, e, ref)
			return ref, nil
		}
		lastErr = err

		// Configuration problems do not heal within a retry window.
		if errors.Is(err, ErrNoChannel) {
			return transport.MessageRef{}, err
		}

		d.log.Warn("delivery attempt failed",
			logx.String("tenant", tenant.ID),
			logx.String("entity", e.ID),
			logx.Int("attempt", attempt),
			logx.Err(err))

		if attempt == d.cfg.MaxAttempts {
			break
		}
		// 2s, 4s, 8s...; the wait aborts on shutdown.
		delay := d.cfg.BackoffUnit << attempt
		if err := sleepCtx(ctx, delay); err != nil {
			return transport.MessageRef{}, err
		}
	}
	return transport.MessageRef{}, fmt.Errorf("delivery failed after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

func (d *Dispatcher) markNotified(ctx context.Context, tenant config.TenantConfig, e event.Entity, ref transport.MessageRef) {
	if d.marker == nil || e.ID == "" {
		return
	}
	if err := d.marker.MarkNotified(ctx, tenant, e.ID, ref, d.now()); err != nil {
		// The message is out; a missed mark means a duplicate push could
		// re-deliver. Accepted at-least-once gap.
		d.log.Error("failed to mark entity notified",
			logx.String("tenant", tenant.ID), logx.String("entity", e.ID), logx.Err(err))
	}
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
