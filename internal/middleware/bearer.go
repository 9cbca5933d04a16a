// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/voicediary/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// emailContextKey はリクエストコンテキストに認証済みEmailを格納するためのキー。
var emailContextKey = contextKey("email")

// NewBearerMiddleware はAuthorizationヘッダーのBearerトークン（HS256のJWT）を検証し、
// emailクレームをリクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがない場合は匿名リクエストとしてそのまま通過させる。
// ヘッダーがあるがトークンが不正・期限切れの場合は401を返す。
func NewBearerMiddleware(secret []byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(tokenString) == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			email, err := parseEmailToken(secret, strings.TrimSpace(tokenString))
			if err != nil {
				slog.Warn("bearer token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			recordIdentity(r.Context(), email)
			next.ServeHTTP(w, r.WithContext(ContextWithEmail(r.Context(), email)))
		})
	}
}

func parseEmailToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	email, _ := claims["email"].(string)
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("email claim is missing")
	}
	return email, nil
}

// SignToken はemailクレームを持つHS256のJWTを発行する。
// ttlが0以下の場合は有効期限を付与しない。
func SignToken(secret []byte, email string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{"email": email}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// EmailFromContext はリクエストコンテキストから認証済みEmailを取得する。
// Bearerトークンが付与されていないリクエストではエラーを返す。
func EmailFromContext(ctx context.Context) (string, error) {
	email, ok := ctx.Value(emailContextKey).(string)
	if !ok || email == "" {
		return "", fmt.Errorf("email not found in context")
	}
	return email, nil
}

// ContextWithEmail はコンテキストに認証済みEmailを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailContextKey, email)
}
