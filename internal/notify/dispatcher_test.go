package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/event"
	"heimdall/internal/transport"
	logx "heimdall/pkg/logx"
)

// fakeMessenger counts sends and fails the first failN attempts.
type fakeMessenger struct {
	mu       sync.Mutex
	failN    int
	sends    []transport.Outbound
	sendAt   []time.Time
	reacted  [][]string
	nextID   int
	sendErr  error
}

func (f *fakeMessenger) Start(ctx context.Context, h transport.ReactionHandler) error { return nil }
func (f *fakeMessenger) Stop(ctx context.Context) error                               { return nil }

func (f *fakeMessenger) SendMessage(ctx context.Context, to transport.ChannelTarget, msg transport.Outbound) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendAt = append(f.sendAt, time.Now())
	if f.failN > 0 {
		f.failN--
		err := f.sendErr
		if err == nil {
			err = errors.New("transient network failure")
		}
		return transport.MessageRef{}, err
	}
	f.nextID++
	f.sends = append(f.sends, msg)
	return transport.MessageRef{ChannelID: to.ChannelID, MessageID: f.nextID}, nil
}

func (f *fakeMessenger) EditMessage(ctx context.Context, ref transport.MessageRef, msg transport.Outbound) error {
	return nil
}

func (f *fakeMessenger) React(ctx context.Context, ref transport.MessageRef, emojis []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacted = append(f.reacted, emojis)
	return nil
}

type fakeMarker struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMarker) MarkNotified(ctx context.Context, tenant config.TenantConfig, id string, ref transport.MessageRef, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return nil
}

var testTenant = config.TenantConfig{ID: "acme", Channel: -100, DatabaseURL: "postgres://x"}

func testDispatcher(m transport.Messenger, mk EntityMarker) *Dispatcher {
	return NewDispatcher(Config{BackoffUnit: time.Millisecond}, m, mk, logx.Nop())
}

func TestSendWithRetryEventualSuccess(t *testing.T) {
	t.Parallel()
	fm := &fakeMessenger{failN: 2}
	mk := &fakeMarker{}
	d := testDispatcher(fm, mk)

	e := event.Entity{ID: "evt-1", TenantID: "acme", Title: "Kickoff", Kind: event.KindMeeting, StartDate: "2025-12-25"}
	ref, err := d.SendWithRetry(context.Background(), testTenant, e)
	if err != nil {
		t.Fatalf("SendWithRetry: %v", err)
	}
	if ref.IsZero() {
		t.Fatal("expected a message ref")
	}
	if got := len(fm.sendAt); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if len(mk.calls) != 1 || mk.calls[0] != "evt-1" {
		t.Fatalf("MarkNotified calls = %v, want exactly one", mk.calls)
	}
}

func TestSendWithRetryExhaustsAndSurfacesLastError(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("rate limited")
	fm := &fakeMessenger{failN: 10, sendErr: sentinel}
	mk := &fakeMarker{}
	d := testDispatcher(fm, mk)

	_, err := d.SendWithRetry(context.Background(), testTenant, event.Entity{ID: "evt-1", Title: "Kickoff"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("error %v does not wrap last attempt error", err)
	}
	if got := len(fm.sendAt); got != 3 {
		t.Fatalf("attempts = %d, want exactly 3", got)
	}
	if len(mk.calls) != 0 {
		t.Fatalf("entity must not be marked notified on failure: %v", mk.calls)
	}

	// Delays between attempts are strictly increasing (2^attempt units).
	d1 := fm.sendAt[1].Sub(fm.sendAt[0])
	d2 := fm.sendAt[2].Sub(fm.sendAt[1])
	if d2 <= d1 {
		t.Fatalf("backoff not increasing: %v then %v", d1, d2)
	}
}

func TestSendWithRetryAbortsOnShutdown(t *testing.T) {
	t.Parallel()
	fm := &fakeMessenger{failN: 10}
	d := NewDispatcher(Config{BackoffUnit: time.Hour}, fm, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.SendWithRetry(ctx, testTenant, event.Entity{ID: "evt-1"})
		done <- err
	}()

	// First attempt fails immediately; the retry wait must honor cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry wait ignored shutdown")
	}
}

func TestSendWithRetryNoChannelIsTerminal(t *testing.T) {
	t.Parallel()
	fm := &fakeMessenger{}
	d := testDispatcher(fm, nil)

	_, err := d.SendWithRetry(context.Background(), config.TenantConfig{ID: "bare"}, event.Entity{ID: "evt-1"})
	if !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}
	if len(fm.sendAt) != 0 {
		t.Fatal("no send should be attempted without a channel")
	}
}

func TestSendAttachesReactionsByKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind event.Kind
		want int
	}{
		{event.KindMeeting, 3},
		{event.KindWorkSession, 2},
		{event.KindHoliday, 0},
		{event.KindDeadline, 0},
	}
	for _, tt := range tests {
		fm := &fakeMessenger{}
		d := testDispatcher(fm, nil)
		e := event.Entity{ID: "e", Title: "T", Kind: tt.kind, StartDate: "2025-01-01"}
		if _, err := d.SendReminder(context.Background(), testTenant, e, 60); err != nil {
			t.Fatalf("%s: SendReminder: %v", tt.kind, err)
		}
		got := 0
		if len(fm.reacted) > 0 {
			got = len(fm.reacted[0])
		}
		if got != tt.want {
			t.Fatalf("%s: reactions = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
