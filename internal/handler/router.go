// Package handler はHTTPエンドポイントを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/rafflebot/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ヘルスチェック
	HealthChecker HealthChecker
	HealthTimeout time.Duration

	// /metrics（nilの場合は公開しない）
	Metrics http.Handler

	// Webhook（Dispatcherがnilの場合はルートを登録しない）
	Dispatcher    UpdateDispatcher
	WebhookSecret string

	// 管理API
	RaffleService RaffleServiceInterface
	AdminAPIToken string
	RateLimiter   *middleware.RateLimiter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → (管理API) SecurityHeaders → RateLimit → AdminAuth
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	// --- 認証不要のルート ---
	timeout := deps.HealthTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	r.Get("/health", NewHealthHandler(deps.HealthChecker, timeout, deps.Logger))

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	if deps.Dispatcher != nil {
		r.Method(http.MethodPost, "/telegram/webhook", NewWebhookHandler(deps.Dispatcher, deps.WebhookSecret, deps.Logger))
	}

	// --- 管理API ---
	raffleHandler := NewRaffleHandler(deps.RaffleService, deps.Logger)
	r.Route("/api/raffles", func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminAPIToken))

		r.Get("/", raffleHandler.ListRaffles)
		r.Post("/", raffleHandler.CreateRaffle)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", raffleHandler.GetRaffle)
			r.Get("/participants", raffleHandler.ListParticipants)
			r.Post("/draw", raffleHandler.DrawRaffle)
		})
	})

	return r
}
