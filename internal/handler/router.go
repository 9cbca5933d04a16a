package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/voicediary/internal/metrics"
	"github.com/hitoshi/voicediary/internal/middleware"
	"github.com/hitoshi/voicediary/internal/notify"
	"github.com/hitoshi/voicediary/internal/security"
)

// HealthChecker はヘルスチェックで疎通確認する依存先。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	JWTSecret         []byte
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// ヘルスチェック・メトリクス
	HealthChecker HealthChecker
	Metrics       metrics.MetricsCollector
	Gatherer      prometheus.Gatherer

	// 紐付けリクエスト
	LinkService   LinkRequestServiceInterface
	ParentService ParentServiceInterface
	Notifier      notify.Notifier
	Sanitizer     security.TextSanitizerService
	BaseURL       string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Bearer → RateLimit(General)
//
// /health と /metrics はミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	// プリフライトはルート未定義のOPTIONSにも応答するため最上位に適用する
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 監視用ルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	linkHandler := NewLinkHandler(
		deps.LinkService,
		deps.ParentService,
		deps.Notifier,
		deps.Sanitizer,
		deps.Metrics,
		deps.Logger,
		LinkHandlerConfig{BaseURL: deps.BaseURL},
	)

	// --- 紐付けAPI ---
	// ミドルウェアスタック: Logging → Bearer → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics.RecordHTTPStatus))
		r.Use(middleware.NewBearerMiddleware(deps.JWTSecret))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/links", func(r chi.Router) {
			r.Route("/requests", func(r chi.Router) {
				// POST /links/requests - 送信専用レート制限を追加
				r.With(deps.RateLimiter.SubmitMiddleware()).Post("/", linkHandler.CreateRequest)
				r.Get("/", linkHandler.ListRequests)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", linkHandler.GetRequest)
					r.Post("/approve", linkHandler.Approve)
					r.Post("/reject", linkHandler.Reject)
				})
			})

			r.Get("/children", linkHandler.ListLinked)
			r.Get("/review", linkHandler.Review)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
