package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "heimdall/pkg/logx"
)

// fileStore is a dependency-free persistence backend: the whole state lives
// in one JSON document rewritten atomically on every mutation. Write volume
// is bounded by reminder count x tenants, so the full rewrite stays cheap;
// the mutex gives the single-writer discipline the rewrite requires.
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	reminders map[string]fileReminder
	rsvps     map[string]map[string]string
}

type fileReminder struct {
	SentAt time.Time `json:"sent_at"`
	Label  string    `json:"label,omitempty"`
}

type fileState struct {
	Reminders map[string]fileReminder      `json:"reminders"`
	RSVPs     map[string]map[string]string `json:"rsvps"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		path:      path,
		reminders: map[string]fileReminder{},
		rsvps:     map[string]map[string]string{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	// Expired ledger rows are dropped on load so the file never grows unbounded.
	if n, err := s.Sweep(context.Background(), time.Now().Add(-RetentionHorizon)); err == nil && n > 0 {
		log.Info("swept expired reminder records", logx.Int("removed", n))
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	if st.Reminders != nil {
		s.reminders = st.Reminders
	}
	if st.RSVPs != nil {
		s.rsvps = st.RSVPs
	}
	return nil
}

// saveLocked rewrites the whole document. Callers hold s.mu.
func (s *fileStore) saveLocked() error {
	st := fileState{Reminders: s.reminders, RSVPs: s.rsvps}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func ledgerKey(tenant, key string, offset int) string {
	return tenant + ":" + key + ":" + strconv.Itoa(offset)
}

func (s *fileStore) WasSent(ctx context.Context, tenant, key string, offset int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reminders[ledgerKey(tenant, key, offset)]
	return ok, nil
}

func (s *fileStore) MarkSent(ctx context.Context, tenant, key string, offset int, label string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ledgerKey(tenant, key, offset)
	if _, ok := s.reminders[k]; ok {
		return nil
	}
	s.reminders[k] = fileReminder{SentAt: at, Label: label}
	return s.saveLocked()
}

func (s *fileStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, r := range s.reminders {
		if r.SentAt.Before(cutoff) {
			delete(s.reminders, k)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}

func (s *fileStore) LoadRSVPs(ctx context.Context) (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]string, len(s.rsvps))
	for msg, members := range s.rsvps {
		cp := make(map[string]string, len(members))
		for m, r := range members {
			cp[m] = r
		}
		out[msg] = cp
	}
	return out, nil
}

func (s *fileStore) SaveRSVP(ctx context.Context, messageID, memberID, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rsvps[messageID]
	if members == nil {
		members = map[string]string{}
		s.rsvps[messageID] = members
	}
	members[memberID] = response
	return s.saveLocked()
}

func (s *fileStore) DeleteRSVP(ctx context.Context, messageID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rsvps[messageID]
	if !ok {
		return nil
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(s.rsvps, messageID)
	}
	return s.saveLocked()
}

func (s *fileStore) Close() error { return nil }
