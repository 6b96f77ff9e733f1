package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"heimdall/internal/config"
	logx "heimdall/pkg/logx"
)

const webhookTable = "team_events"

// webhookPayload is the push body sent by the backend's insert hook.
type webhookPayload struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// WebhookServer exposes POST /api/webhooks/team-events guarded by a shared
// secret header.
type WebhookServer struct {
	mgr     *config.Manager
	handler *Service
	log     logx.Logger
	srv     *http.Server
}

func NewWebhookServer(mgr *config.Manager, handler *Service, log logx.Logger) *WebhookServer {
	return &WebhookServer{mgr: mgr, handler: handler, log: log.With(logx.String("comp", "webhook"))}
}

func (w *WebhookServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/api/webhooks/team-events", w.handleTeamEvents)
	return r
}

// Start begins serving in the background. ListenAndServe errors other than
// a clean shutdown are logged, not returned: webhook availability must not
// take the reminder loop down with it.
func (w *WebhookServer) Start(ctx context.Context) {
	addr := strings.TrimSpace(w.mgr.Get().Webhook.Addr)
	if addr == "" {
		addr = ":8080"
	}
	w.srv = &http.Server{
		Addr:              addr,
		Handler:           w.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		w.log.Info("webhook listening", logx.String("addr", addr))
		if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("webhook server stopped", logx.Err(err))
		}
	}()
}

func (w *WebhookServer) Stop(ctx context.Context) error {
	if w.srv == nil {
		return nil
	}
	return w.srv.Shutdown(ctx)
}

// cleanSecret normalizes a configured or presented secret. Besides
// whitespace, a leading colon is stripped: copying the value out of a
// "header: value" line is a recurring operator mistake.
func cleanSecret(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ":")
	return strings.TrimSpace(s)
}

func (w *WebhookServer) handleTeamEvents(c *gin.Context) {
	reqID := uuid.NewString()
	c.Header("X-Request-ID", reqID)
	log := w.log.With(logx.String("request_id", reqID))

	secret := cleanSecret(w.mgr.Get().Webhook.Secret)
	if secret == "" {
		log.Warn("webhook rejected: no secret configured")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook secret not configured"})
		return
	}
	if cleanSecret(c.GetHeader("X-Webhook-Secret")) != secret {
		log.Warn("webhook rejected: bad secret")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if payload.Type != "INSERT" || payload.Table != webhookTable {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported payload",
			"type": payload.Type, "table": payload.Table})
		return
	}

	tenantID, entity, err := decodeRecord(payload.Record)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed record"})
		return
	}

	outcome, err := w.handler.Handle(c.Request.Context(), tenantID, entity)
	if err != nil {
		log.Error("webhook delivery failed", logx.String("tenant", tenantID), logx.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery failed"})
		return
	}
	if outcome.Skipped() {
		log.Debug("webhook event skipped",
			logx.String("tenant", tenantID), logx.String("reason", outcome.String()))
		c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": outcome.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
