package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// RetentionHorizon bounds ledger growth: records older than this are swept.
const RetentionHorizon = 7 * 24 * time.Hour

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled; without a ledger,
// reminders repeat after every restart.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler and the RSVP tracker.
type Store interface {
	// WasSent reports whether the (tenant, key, offset) reminder was
	// already dispatched.
	WasSent(ctx context.Context, tenant, key string, offset int) (bool, error)
	// MarkSent records a dispatched reminder. Writing the same key twice is
	// harmless; the first write wins.
	MarkSent(ctx context.Context, tenant, key string, offset int, label string, at time.Time) error
	// Sweep removes ledger records sent before cutoff and returns how many
	// were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	// LoadRSVPs returns all persisted responses: message id -> member id ->
	// response.
	LoadRSVPs(ctx context.Context) (map[string]map[string]string, error)
	SaveRSVP(ctx context.Context, messageID, memberID, response string) error
	// DeleteRSVP removes one member's response; drivers drop the message
	// record entirely once its last response is gone.
	DeleteRSVP(ctx context.Context, messageID, memberID string) error

	Close() error
}
