package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rafflebot/internal/telegram"
)

// webhookSecretHeader はsetWebhookのsecret_tokenが送られるヘッダー。
const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateDispatcher はWebhookで受信した更新の処理先。
type UpdateDispatcher interface {
	Handle(ctx context.Context, upd telegram.Update)
}

// WebhookHandler はTelegramからのWebhookを受け付ける。
type WebhookHandler struct {
	dispatcher UpdateDispatcher
	secret     []byte
	logger     *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。
// secretが空の場合はすべてのリクエストを拒否する。
func NewWebhookHandler(dispatcher UpdateDispatcher, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		dispatcher: dispatcher,
		secret:     []byte(secret),
		logger:     logger,
	}
}

// ServeHTTP は更新を検証して処理する。
// POST /telegram/webhook
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	presented := []byte(r.Header.Get(webhookSecretHeader))
	if len(h.secret) == 0 || subtle.ConstantTimeCompare(presented, h.secret) != 1 {
		h.logger.Warn("webhook secret mismatch", slog.String("remote_addr", r.RemoteAddr))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var upd telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&upd); err != nil {
		h.logger.Warn("webhookの更新を解析できませんでした", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// 処理結果に関わらず200を返す。2xx以外はTelegramが再送する
	h.dispatcher.Handle(context.WithoutCancel(r.Context()), upd)
	w.WriteHeader(http.StatusOK)
}
