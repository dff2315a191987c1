// Package httpapi exposes the sync core over HTTP: open a conversation,
// read its merged view, send messages, page back through history, and
// follow live changes over SSE.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatsync/internal/config"
	"chatsync/internal/errs"
	"chatsync/internal/gateway"
	"chatsync/internal/httpapi/middleware"
	"chatsync/internal/metrics"
	"chatsync/internal/syncer"
)

type Handler struct {
	cfg    config.Config
	store  gateway.Store
	gen    gateway.Generator
	push   gateway.PushChannel
	ledger gateway.Ledger
	log    zerolog.Logger
	rec    *metrics.Recorder

	mu       sync.Mutex
	sessions map[string]*syncer.Syncer
}

func NewHandler(cfg config.Config, store gateway.Store, gen gateway.Generator, push gateway.PushChannel, ledger gateway.Ledger, log zerolog.Logger, rec *metrics.Recorder) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    store,
		gen:      gen,
		push:     push,
		ledger:   ledger,
		log:      log,
		rec:      rec,
		sessions: make(map[string]*syncer.Syncer),
	}
}

// Close releases every per-user sync core.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uid, s := range h.sessions {
		_ = s.Close()
		delete(h.sessions, uid)
	}
}

// syncerFor returns the user's sync core, creating it on first use.
func (h *Handler) syncerFor(c *gin.Context) (*syncer.Syncer, bool) {
	uid := c.GetString(middleware.UserIDKey)
	token := c.GetString(middleware.TokenKey)
	if uid == "" {
		Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[uid]
	if !ok {
		s = syncer.New(h.store, h.gen, h.push, h.ledger, syncer.Config{
			UserID:       uid,
			CharacterID:  c.GetHeader("X-Character-ID"),
			PersonaID:    c.GetHeader("X-Persona-ID"),
			Model:        h.modelName(),
			SessionToken: token,
			PageSize:     h.cfg.PageSize,
			PollInterval: h.cfg.PollInterval,
			SendCost:     h.cfg.SendCost,
			Retention:    h.cfg.Retention,
		}, h.log, h.rec)
		h.sessions[uid] = s
	}
	return s, true
}

func (h *Handler) modelName() string {
	if h.cfg.Provider == "openrouter" {
		return h.cfg.OpenRouterModel
	}
	return h.cfg.OllamaModel
}

func (h *Handler) Ping(c *gin.Context) {
	OK(c, gin.H{"pong": true})
}

func (h *Handler) OpenConversation(c *gin.Context) {
	s, ok := h.syncerFor(c)
	if !ok {
		return
	}
	convID := c.Param("conversation_id")
	if err := s.Open(c.Request.Context(), convID); err != nil {
		h.log.Error().Err(err).Str("conversation_id", convID).Msg("open failed")
		Fail(c, http.StatusInternalServerError, 50001, "failed to open conversation")
		return
	}
	cursor, more := s.HasMore(convID)
	OK(c, gin.H{
		"conversation_id": convID,
		"messages":        s.Messages(convID),
		"has_more":        more,
		"cursor":          cursor,
		"connected":       s.Connected(),
	})
}

func (h *Handler) ListMessages(c *gin.Context) {
	s, ok := h.syncerFor(c)
	if !ok {
		return
	}
	convID := c.Param("conversation_id")
	_, more := s.HasMore(convID)
	OK(c, gin.H{
		"messages":        s.Messages(convID),
		"has_more":        more,
		"tracked_context": s.TrackedContext(convID),
	})
}

type sendReq struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	s, ok := h.syncerFor(c)
	if !ok {
		return
	}
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	convID := c.Param("conversation_id")
	tempID, err := s.Send(c.Request.Context(), convID, req.Content)
	if err != nil {
		if errors.Is(err, errs.ErrInsufficientCredits) {
			Fail(c, http.StatusPaymentRequired, 40201, "insufficient credits")
			return
		}
		var authErr *errs.AuthError
		if errors.As(err, &authErr) {
			Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		h.log.Error().Err(err).Str("conversation_id", convID).Msg("send failed")
		Fail(c, http.StatusInternalServerError, 50001, "failed to send")
		return
	}
	OK(c, gin.H{"temp_id": tempID})
}

func (h *Handler) RetryMessage(c *gin.Context) {
	s, ok := h.syncerFor(c)
	if !ok {
		return
	}
	convID := c.Param("conversation_id")
	tempID := c.Param("temp_id")
	if err := s.RetrySend(c.Request.Context(), convID, tempID); err != nil {
		if errors.Is(err, errs.ErrInsufficientCredits) {
			Fail(c, http.StatusPaymentRequired, 40201, "insufficient credits")
			return
		}
		Fail(c, http.StatusBadRequest, 40002, "nothing to retry")
		return
	}
	OK(c, gin.H{"temp_id": tempID})
}

func (h *Handler) LoadEarlier(c *gin.Context) {
	s, ok := h.syncerFor(c)
	if !ok {
		return
	}
	convID := c.Param("conversation_id")
	added, err := s.LoadEarlier(c.Request.Context(), convID)
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", convID).Msg("load earlier failed")
		Fail(c, http.StatusInternalServerError, 50002, "failed to load history")
		return
	}
	_, more := s.HasMore(convID)
	OK(c, gin.H{
		"added":    added,
		"messages": s.Messages(convID),
		"has_more": more,
	})
}

// StreamChanges pushes the conversation's view over SSE whenever the
// merged state changes. Every event carries the full current window, so
// a dropped frame costs nothing.
func (h *Handler) StreamChanges(c *gin.Context) {
	s, ok := h.syncerFor(c)
	if !ok {
		return
	}
	convID := c.Param("conversation_id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	changes := make(chan string, 16)
	unsub := s.OnChange(func(id string) {
		if id != convID {
			return
		}
		select {
		case changes <- id:
		default:
		}
	})
	defer unsub()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	writeJSON("snapshot", gin.H{
		"type":     "snapshot",
		"messages": s.Messages(convID),
	})

	ctx := c.Request.Context()
	for {
		select {
		case <-changes:
			writeJSON("change", gin.H{
				"type":      "change",
				"messages":  s.Messages(convID),
				"connected": s.Connected(),
			})
		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})
		case <-ctx.Done():
			return
		}
	}
}
