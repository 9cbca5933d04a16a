package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestIdentity は後段のBearerミドルウェアが検証したEmailをアクセスログへ受け渡す。
type requestIdentity struct {
	email string
}

var identityContextKey = contextKey("request_identity")

// recordIdentity はアクセスログ用に認証済みEmailを記録する。
// ロギングミドルウェアを経由していないリクエストでは何もしない。
func recordIdentity(ctx context.Context, email string) {
	if id, ok := ctx.Value(identityContextKey).(*requestIdentity); ok {
		id.email = email
	}
}

// StatusObserver はレスポンスのステータスコードを受け取る。
type StatusObserver func(statusCode int)

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、email（Bearerトークンが検証された場合）を含む。
// observerがnilでない場合はステータスコードを通知する。
func NewLoggingMiddleware(logger *slog.Logger, observer StatusObserver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			identity := &requestIdentity{}
			if email, err := EmailFromContext(r.Context()); err == nil {
				identity.email = email
			}
			r = r.WithContext(context.WithValue(r.Context(), identityContextKey, identity))

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}
			if identity.email != "" {
				attrs = append(attrs, slog.String("email", identity.email))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)

			if observer != nil {
				observer(rec.statusCode)
			}
		})
	}
}
