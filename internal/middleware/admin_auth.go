// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/hitoshi/rafflebot/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// callerContextKey はリクエストコンテキストに呼び出し元を格納するためのキー。
var callerContextKey = contextKey("caller")

// CallerAdminAPI は管理APIトークンで認証された呼び出し元を表す。
const CallerAdminAPI = "admin_api"

// NewAdminAuthMiddleware は Authorization: Bearer ヘッダーのトークンを検証するミドルウェアを返す。
// tokenが空の場合は管理APIを無効とし、すべてのリクエストを401で拒否する。
func NewAdminAuthMiddleware(token string) func(next http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r)
			if !ok || len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHORIZED",
					Message:  "認証が必要です。",
					Category: "auth",
					Action:   "管理APIトークンを指定してください。",
				})
				return
			}
			if holder, ok := r.Context().Value(callerHolderKey).(*callerHolder); ok {
				holder.set(CallerAdminAPI)
			}
			ctx := context.WithValue(r.Context(), callerContextKey, CallerAdminAPI)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext はコンテキストから認証済みの呼び出し元を取得する。
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerContextKey).(string)
	return caller, ok && caller != ""
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
