// Package rsvp counts attendance responses given as emoji reactions on
// notification messages and keeps them across restarts.
package rsvp

import (
	"sync"

	"heimdall/internal/notify"
)

// Response is a member's parsed attendance answer.
type Response string

const (
	ResponseAccepted Response = "accepted"
	ResponseDeclined Response = "declined"
	ResponseMaybe    Response = "maybe"
)

// responseFor maps a reaction emoji to a response. Only the three
// recognized symbols count; everything else reports ok=false.
func responseFor(emoji string) (Response, bool) {
	switch emoji {
	case notify.EmojiAccept:
		return ResponseAccepted, true
	case notify.EmojiDecline:
		return ResponseDeclined, true
	case notify.EmojiMaybe:
		return ResponseMaybe, true
	default:
		return "", false
	}
}

// Stats aggregates the responses on one message.
type Stats struct {
	Accepted int
	Declined int
	Maybe    int
}

func (s Stats) Total() int { return s.Accepted + s.Declined + s.Maybe }

// Tracker keeps one response per member per message, last write wins. It
// performs no I/O and knows nothing about message content; persistence and
// re-rendering sit in Handler. The mutex is the single-writer discipline
// shared by the reaction ingress and the stats readers.
type Tracker struct {
	mu   sync.Mutex
	msgs map[string]map[string]Response
}

func NewTracker() *Tracker {
	return &Tracker{msgs: make(map[string]map[string]Response)}
}

// AddReaction sets or overwrites the member's response on a message.
func (t *Tracker) AddReaction(messageID, memberID string, r Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.msgs[messageID]
	if !ok {
		members = make(map[string]Response)
		t.msgs[messageID] = members
	}
	members[memberID] = r
}

// RemoveReaction deletes the member's response. When the last response on
// a message goes, the message's record goes with it.
func (t *Tracker) RemoveReaction(messageID, memberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.msgs[messageID]
	if !ok {
		return
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(t.msgs, messageID)
	}
}

// Stats counts the current responses on a message, partitioned by kind.
func (t *Tracker) Stats(messageID string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, r := range t.msgs[messageID] {
		switch r {
		case ResponseAccepted:
			s.Accepted++
		case ResponseDeclined:
			s.Declined++
		case ResponseMaybe:
			s.Maybe++
		}
	}
	return s
}

// Known reports whether the message has any recorded response.
func (t *Tracker) Known(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.msgs[messageID]
	return ok
}

// Restore seeds the tracker from persisted records.
func (t *Tracker) Restore(saved map[string]map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for messageID, members := range saved {
		if len(members) == 0 {
			continue
		}
		rec := make(map[string]Response, len(members))
		for member, r := range members {
			rec[member] = Response(r)
		}
		t.msgs[messageID] = rec
	}
}
