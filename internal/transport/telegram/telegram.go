// Package telegram adapts the transport.Messenger surface onto the Telegram
// Bot API via telebot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"golang.org/x/time/rate"

	"heimdall/internal/transport"
	logx "heimdall/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec bounds outbound sends across all tenants. Telegram holds
	// bots to roughly 30 messages/second globally.
	RatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	http    *http.Client

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout: timeout,
			// Reaction updates are not delivered unless asked for.
			AllowedUpdates: []string{"message", "message_reaction"},
		},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		http:    &http.Client{Timeout: 8 * time.Second},
	}, nil
}

func (a *Adapter) Start(ctx context.Context, onReaction transport.ReactionHandler) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	a.bot.Handle(tele.OnMessageReaction, func(c tele.Context) error {
		mr := c.Update().MessageReaction
		if mr == nil || mr.User == nil || mr.Chat == nil {
			return nil
		}
		change := transport.ReactionChange{
			Message: transport.MessageRef{
				ChannelID: mr.Chat.ID,
				MessageID: mr.MessageID,
			},
			MemberID: strconv.FormatInt(mr.User.ID, 10),
		}
		// Telegram sends the full old/new reaction lists; an empty new list
		// means the member cleared their reaction.
		if len(mr.NewReaction) > 0 {
			change.Emoji = mr.NewReaction[len(mr.NewReaction)-1].Emoji
		}
		if onReaction != nil {
			onReaction(change)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendMessage(ctx context.Context, to transport.ChannelTarget, msg transport.Outbound) (transport.MessageRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}

	chat := &tele.Chat{ID: to.ChannelID}
	opt := &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	}
	m, err := a.bot.Send(chat, renderText(msg), opt)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChannelID: to.ChannelID, ThreadID: to.ThreadID, MessageID: m.ID}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, ref transport.MessageRef, msg transport.Outbound) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChannelID}}
	_, err := a.bot.Edit(m, renderText(msg), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// React attaches reaction affordances via a raw setMessageReaction call.
// telebot's typed helpers lag behind the Bot API here, so this mirrors the
// raw-HTTP fallback used for other fresh endpoints.
func (a *Adapter) React(ctx context.Context, ref transport.MessageRef, emojis []string) error {
	if len(emojis) == 0 {
		return nil
	}

	type reaction struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	}
	payload := struct {
		ChatID    int64      `json:"chat_id"`
		MessageID int        `json:"message_id"`
		Reaction  []reaction `json:"reaction"`
	}{ChatID: ref.ChannelID, MessageID: ref.MessageID}
	for _, e := range emojis {
		payload.Reaction = append(payload.Reaction, reaction{Type: "emoji", Emoji: e})
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMessageReaction"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("setMessageReaction: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func renderText(msg transport.Outbound) string {
	var b strings.Builder
	if msg.Mention != "" {
		b.WriteString(msg.Mention)
		b.WriteString("\n")
	}
	if msg.Title != "" {
		b.WriteString(msg.Title)
	}
	if msg.Body != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(msg.Body)
	}
	return b.String()
}
