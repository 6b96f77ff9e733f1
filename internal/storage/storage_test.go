package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "heimdall/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestLedgerIdempotency(t *testing.T) {
	ctx := context.Background()
	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			sent, err := s.WasSent(ctx, "acme", "evt-1", 1440)
			if err != nil || sent {
				t.Fatalf("WasSent fresh = %v, %v", sent, err)
			}

			now := time.Now()
			if err := s.MarkSent(ctx, "acme", "evt-1", 1440, "Standup", now); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			// Marking again must be harmless.
			if err := s.MarkSent(ctx, "acme", "evt-1", 1440, "Standup", now.Add(time.Minute)); err != nil {
				t.Fatalf("MarkSent twice: %v", err)
			}

			sent, err = s.WasSent(ctx, "acme", "evt-1", 1440)
			if err != nil || !sent {
				t.Fatalf("WasSent after mark = %v, %v", sent, err)
			}

			// Different offset, tenant, or key are distinct ledger entries.
			for _, probe := range []struct {
				tenant, key string
				offset      int
			}{
				{"acme", "evt-1", 60},
				{"other", "evt-1", 1440},
				{"acme", "evt-2", 1440},
			} {
				sent, err := s.WasSent(ctx, probe.tenant, probe.key, probe.offset)
				if err != nil || sent {
					t.Fatalf("WasSent(%+v) = %v, %v", probe, sent, err)
				}
			}
		})
	}
}

func TestLedgerRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			old := now.Add(-RetentionHorizon - time.Hour)
			fresh := now.Add(-time.Hour)
			if err := s.MarkSent(ctx, "acme", "stale", 60, "old", old); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			if err := s.MarkSent(ctx, "acme", "recent", 60, "new", fresh); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}

			removed, err := s.Sweep(ctx, now.Add(-RetentionHorizon))
			if err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			if removed != 1 {
				t.Fatalf("Sweep removed %d, want 1", removed)
			}

			if sent, _ := s.WasSent(ctx, "acme", "stale", 60); sent {
				t.Fatal("stale record survived sweep")
			}
			if sent, _ := s.WasSent(ctx, "acme", "recent", 60); !sent {
				t.Fatal("recent record was swept")
			}
		})
	}
}

func TestRSVPRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveRSVP(ctx, "msg-1", "alice", "accepted"); err != nil {
				t.Fatalf("SaveRSVP: %v", err)
			}
			// Last write wins.
			if err := s.SaveRSVP(ctx, "msg-1", "alice", "maybe"); err != nil {
				t.Fatalf("SaveRSVP overwrite: %v", err)
			}
			if err := s.SaveRSVP(ctx, "msg-1", "bob", "declined"); err != nil {
				t.Fatalf("SaveRSVP: %v", err)
			}

			got, err := s.LoadRSVPs(ctx)
			if err != nil {
				t.Fatalf("LoadRSVPs: %v", err)
			}
			if got["msg-1"]["alice"] != "maybe" || got["msg-1"]["bob"] != "declined" {
				t.Fatalf("unexpected rsvps: %+v", got)
			}

			if err := s.DeleteRSVP(ctx, "msg-1", "alice"); err != nil {
				t.Fatalf("DeleteRSVP: %v", err)
			}
			if err := s.DeleteRSVP(ctx, "msg-1", "bob"); err != nil {
				t.Fatalf("DeleteRSVP: %v", err)
			}
			got, err = s.LoadRSVPs(ctx)
			if err != nil {
				t.Fatalf("LoadRSVPs: %v", err)
			}
			if len(got["msg-1"]) != 0 {
				t.Fatalf("expected empty record, got %+v", got["msg-1"])
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.MarkSent(ctx, "acme", "evt-1", 15, "Standup", time.Now()); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := s.SaveRSVP(ctx, "msg-1", "alice", "accepted"); err != nil {
		t.Fatalf("SaveRSVP: %v", err)
	}
	_ = s.Close()

	// A restart within the same offset window must not re-send.
	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	sent, err := s2.WasSent(ctx, "acme", "evt-1", 15)
	if err != nil || !sent {
		t.Fatalf("ledger lost across reopen: %v, %v", sent, err)
	}
	rsvps, err := s2.LoadRSVPs(ctx)
	if err != nil || rsvps["msg-1"]["alice"] != "accepted" {
		t.Fatalf("rsvps lost across reopen: %+v, %v", rsvps, err)
	}
}

func TestOpenDisabled(t *testing.T) {
	s, err := Open(Config{}, logx.Nop())
	if err != nil || s != nil {
		t.Fatalf("disabled storage: %v, %v", s, err)
	}
	if _, err := Open(Config{Driver: "bogus", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
