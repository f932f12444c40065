package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	log "github.com/sirupsen/logrus"
)

// Completer gera a resposta do assistente.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// Sender entrega a resposta no chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Handler atende POST /webhook. Quando chega aqui a requisição já foi admitida
// pelo middleware de rate limit.
type Handler struct {
	History      *HistoryStore
	AI           Completer
	Telegram     Sender
	SystemPrompt string
	AITimeout    time.Duration

	// Commands, quando presente, atende /record, /export e /delete antes da IA.
	Commands *Commands

	Now    func() time.Time
	Logger log.FieldLogger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger()

	upd, err := readUpdate(r)
	if err != nil {
		logger.WithError(err).Warn("webhook: invalid update")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid update"})
		return
	}

	if h.Commands != nil {
		handled, err := h.Commands.Dispatch(r.Context(), upd)
		if handled {
			if err != nil {
				logger.WithError(err).WithField("update_id", upd.UpdateID).Error("webhook: command failed")
				writeText(w, http.StatusInternalServerError, "Error")
				return
			}
			writeText(w, http.StatusOK, "OK")
			return
		}
	}

	msg := upd.TextMessage()
	if msg == nil {
		writeText(w, http.StatusOK, "OK")
		return
	}

	entry := logger.WithFields(log.Fields{"chat_id": msg.Chat.ID, "update_id": upd.UpdateID})
	start := time.Now()
	if err := h.relay(r.Context(), msg); err != nil {
		entry.WithError(err).Error("webhook: processing failed")
		writeText(w, http.StatusInternalServerError, "Error")
		return
	}
	entry.WithField("elapsed", time.Since(start).String()).Info("webhook: replied")
	writeText(w, http.StatusOK, "OK")
}

func (h *Handler) relay(ctx context.Context, msg *Message) error {
	chatID := msg.Chat.ID

	if err := h.History.TouchUser(ctx, chatID, msg.DisplayName()); err != nil {
		return err
	}
	if err := h.History.Append(ctx, chatID, RoleUser, msg.Text); err != nil {
		return err
	}
	recent, err := h.History.Recent(ctx, chatID)
	if err != nil {
		return err
	}

	aiCtx := ctx
	if h.AITimeout > 0 {
		var cancel context.CancelFunc
		aiCtx, cancel = context.WithTimeout(ctx, h.AITimeout)
		defer cancel()
	}
	reply, err := h.AI.Complete(aiCtx, h.messages(chatID, recent))
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	if err := h.Telegram.SendMessage(ctx, chatID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return h.History.Append(ctx, chatID, RoleAssistant, reply)
}

// messages monta o prompt: sistema (com chat e data de hoje) + histórico recente.
func (h *Handler) messages(chatID int64, recent []Interaction) []ChatMessage {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	system := fmt.Sprintf("%s\n\nChat ID: %d\nToday's Date: %s",
		h.SystemPrompt, chatID, now().Format("2006-01-02"))

	out := make([]ChatMessage, 0, len(recent)+1)
	out = append(out, ChatMessage{Role: "system", Content: system})
	for _, it := range recent {
		out = append(out, ChatMessage{Role: it.Role, Content: it.Text})
	}
	return out
}

func (h *Handler) logger() log.FieldLogger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.StandardLogger()
}

// HealthReporter é o que /health precisa do monitor do backend.
type HealthReporter interface {
	Snapshot() domain.HealthSnapshot
}

type healthBody struct {
	Status    string          `json:"status"`
	RateLimit *rateLimitState `json:"rate_limit,omitempty"`
}

type rateLimitState struct {
	Backend             string    `json:"backend"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Since               time.Time `json:"since"`
	FallbackOnly        bool      `json:"fallback_only"`
}

// HealthHandler responde GET /health. O processo está saudável mesmo com o
// Redis fora: a admissão segue no contador local.
func HealthHandler(monitor HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := healthBody{Status: "healthy"}
		if monitor != nil {
			snap := monitor.Snapshot()
			body.RateLimit = &rateLimitState{
				Backend:             snap.State.String(),
				ConsecutiveFailures: snap.ConsecutiveFailures,
				Since:               snap.ChangedAt,
				FallbackOnly:        snap.FallbackOnly,
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}
