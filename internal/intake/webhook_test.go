package intake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"heimdall/internal/config"
	"heimdall/internal/notify"
	logx "heimdall/pkg/logx"
)

func newTestWebhook(t *testing.T, secret string) (*WebhookServer, *stubMessenger) {
	t.Helper()
	mgr := config.NewManager("")
	mgr.Commit(&config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Webhook:  config.WebhookConfig{Enabled: true, Secret: secret},
		Tenants: []config.TenantConfig{{
			ID:          "acme",
			DatabaseURL: "postgres://x",
			Channel:     -100,
		}},
	})
	m := &stubMessenger{}
	disp := notify.NewDispatcher(notify.Config{BackoffUnit: time.Millisecond}, m, nil, logx.Nop())
	svc := NewService(mgr, disp, nil, nil, logx.Nop())
	return NewWebhookServer(mgr, svc, logx.Nop()), m
}

func insertBody(record string) string {
	return `{"type":"INSERT","table":"team_events","record":` + record + `}`
}

const freshRecord = `{"id":"evt-1","tenant_id":"acme","title":"Kickoff","event_type":"meeting","start_date":"2025-12-25"}`

func post(w *WebhookServer, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/team-events", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	rec := httptest.NewRecorder()
	w.router().ServeHTTP(rec, req)
	return rec
}

func TestWebhookDeliversInsert(t *testing.T) {
	t.Parallel()
	w, m := newTestWebhook(t, "hunter2")
	rec := post(w, "hunter2", insertBody(freshRecord))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["status"] != "success" {
		t.Fatalf("status field = %q", resp["status"])
	}
	if m.sentCount() != 1 {
		t.Fatalf("sends = %d, want 1", m.sentCount())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestWebhookSecretHandling(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		configured string
		presented  string
		want       int
	}{
		{"match", "hunter2", "hunter2", http.StatusOK},
		{"mismatch", "hunter2", "wrong", http.StatusUnauthorized},
		{"missing header", "hunter2", "", http.StatusUnauthorized},
		{"not configured", "", "anything", http.StatusServiceUnavailable},
		{"configured with pasted colon", " :hunter2 ", "hunter2", http.StatusOK},
		{"presented with pasted colon", "hunter2", ":hunter2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, _ := newTestWebhook(t, tt.configured)
			rec := post(w, tt.presented, insertBody(freshRecord))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body=%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestWebhookRejectsNonInsert(t *testing.T) {
	t.Parallel()
	w, m := newTestWebhook(t, "hunter2")

	for _, body := range []string{
		`{"type":"UPDATE","table":"team_events","record":` + freshRecord + `}`,
		`{"type":"INSERT","table":"other","record":` + freshRecord + `}`,
		`{not json`,
	} {
		rec := post(w, "hunter2", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status for %q = %d, want 400", body, rec.Code)
		}
	}
	if m.sentCount() != 0 {
		t.Fatalf("sends = %d, want 0", m.sentCount())
	}
}

func TestWebhookReportsSkips(t *testing.T) {
	t.Parallel()
	w, m := newTestWebhook(t, "hunter2")
	record := `{"id":"evt-2","tenant_id":"ghost","title":"Kickoff","event_type":"meeting","start_date":"2025-12-25"}`
	rec := post(w, "hunter2", insertBody(record))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["status"] != "skipped" || resp["reason"] == "" {
		t.Fatalf("response = %v", resp)
	}
	if m.sentCount() != 0 {
		t.Fatalf("sends = %d, want 0", m.sentCount())
	}
}

func TestWebhookReportsDeliveryFailure(t *testing.T) {
	t.Parallel()
	w, m := newTestWebhook(t, "hunter2")
	m.fail = true
	rec := post(w, "hunter2", insertBody(freshRecord))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}
