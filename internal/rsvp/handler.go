package rsvp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"heimdall/internal/notify"
	"heimdall/internal/storage"
	"heimdall/internal/transport"
	logx "heimdall/pkg/logx"
)

// Handler is the reaction-event ingress around the pure Tracker: it decides
// whether a message is trackable, writes changes through to the store, and
// re-renders the message body with the current tally.
type Handler struct {
	tracker   *Tracker
	store     storage.Store
	messenger transport.Messenger
	log       logx.Logger

	mu    sync.Mutex
	bases map[string]tracked

	now func() time.Time
}

type tracked struct {
	ref  transport.MessageRef
	base transport.Outbound
	at   time.Time
}

func NewHandler(store storage.Store, m transport.Messenger, log logx.Logger) *Handler {
	return &Handler{
		tracker:   NewTracker(),
		store:     store,
		messenger: m,
		log:       log.With(logx.String("comp", "rsvp")),
		bases:     make(map[string]tracked),
		now:       time.Now,
	}
}

func messageKey(ref transport.MessageRef) string {
	return fmt.Sprintf("%d:%d", ref.ChannelID, ref.MessageID)
}

// Load restores persisted responses. Messages restored this way are counted
// but not re-rendered: their original text is gone with the old process.
func (h *Handler) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	saved, err := h.store.LoadRSVPs(ctx)
	if err != nil {
		return fmt.Errorf("load rsvps: %w", err)
	}
	h.tracker.Restore(saved)
	h.log.Debug("rsvp state restored", logx.Int("messages", len(saved)))
	return nil
}

// Track registers a freshly delivered notification so reactions on it are
// counted and its text can be re-rendered. Bases share the ledger's
// retention horizon: each delivery evicts entries older than that, keeping
// the map bounded over a long-lived process.
func (h *Handler) Track(ref transport.MessageRef, msg transport.Outbound) {
	if ref.IsZero() {
		return
	}
	now := h.now()
	h.mu.Lock()
	h.bases[messageKey(ref)] = tracked{ref: ref, base: msg, at: now}
	for key, tr := range h.bases {
		if now.Sub(tr.at) > storage.RetentionHorizon {
			delete(h.bases, key)
		}
	}
	h.mu.Unlock()
}

// Callback adapts the handler to the messenger's reaction hook.
func (h *Handler) Callback(ctx context.Context) transport.ReactionHandler {
	return func(change transport.ReactionChange) {
		h.HandleReaction(ctx, change)
	}
}

// HandleReaction applies one reaction change. A recognized emoji replaces
// the member's previous answer; no emoji clears it; anything else is not an
// attendance response and is ignored. Reactions on messages the handler has
// never seen are ignored too.
func (h *Handler) HandleReaction(ctx context.Context, change transport.ReactionChange) {
	if change.MemberID == "" {
		return
	}
	key := messageKey(change.Message)
	if !h.trackable(key) {
		return
	}

	switch resp, ok := responseFor(change.Emoji); {
	case ok:
		h.tracker.AddReaction(key, change.MemberID, resp)
		h.persist(ctx, key, change.MemberID, resp, true)
	case change.Emoji == "":
		h.tracker.RemoveReaction(key, change.MemberID)
		h.persist(ctx, key, change.MemberID, "", false)
	default:
		return
	}

	stats := h.tracker.Stats(key)
	h.log.Debug("rsvp updated",
		logx.String("message", key),
		logx.String("member", change.MemberID),
		logx.Int("total", stats.Total()))
	h.rerender(ctx, key, stats)
}

// trackable accepts messages registered via Track plus messages restored
// from the store (those already carry responses).
func (h *Handler) trackable(key string) bool {
	h.mu.Lock()
	_, ok := h.bases[key]
	h.mu.Unlock()
	return ok || h.tracker.Known(key)
}

func (h *Handler) persist(ctx context.Context, key, member string, resp Response, set bool) {
	if h.store == nil {
		return
	}
	var err error
	if set {
		err = h.store.SaveRSVP(ctx, key, member, string(resp))
	} else {
		err = h.store.DeleteRSVP(ctx, key, member)
	}
	if err != nil {
		h.log.Warn("rsvp persist failed", logx.String("message", key), logx.Err(err))
	}
}

// Stats reports the current tally for a delivered message.
func (h *Handler) Stats(ref transport.MessageRef) Stats {
	return h.tracker.Stats(messageKey(ref))
}

// statsLine renders the tally appended to a tracked message, e.g.
// "✅ 3  ❌ 1  ❓ 2".
func statsLine(s Stats) string {
	return fmt.Sprintf("%s %d  %s %d  %s %d",
		notify.EmojiAccept, s.Accepted,
		notify.EmojiDecline, s.Declined,
		notify.EmojiMaybe, s.Maybe)
}

// rerender edits the tracked message so readers see the tally without
// opening the reaction list. Messages restored from the store have no base
// text to edit and are skipped. At a zero tally the original text comes
// back.
func (h *Handler) rerender(ctx context.Context, key string, stats Stats) {
	if h.messenger == nil {
		return
	}
	h.mu.Lock()
	tr, ok := h.bases[key]
	h.mu.Unlock()
	if !ok {
		return
	}

	msg := tr.base
	if stats.Total() > 0 {
		msg.Body += "\n\n" + statsLine(stats)
	}
	if err := h.messenger.EditMessage(ctx, tr.ref, msg); err != nil {
		h.log.Warn("rsvp re-render failed", logx.String("message", key), logx.Err(err))
	}
}
