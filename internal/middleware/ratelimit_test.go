package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/voicediary/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// requestAs はEmailをコンテキストに設定したリクエストを生成する。
func requestAs(method, path, email string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if email != "" {
		req = req.WithContext(ContextWithEmail(req.Context(), email))
	}
	return req
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2, // 2 req/sec
		GeneralBurst:    5, // バースト5
		SubmitRate:      1, // 未使用
		SubmitBurst:     10,
		CleanupInterval: time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/links/requests", "parent@example.com"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1, // 1 req/sec
		GeneralBurst:    2,
		SubmitRate:      1,
		SubmitBurst:     10,
		CleanupInterval: time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/links/requests", "parent@example.com"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/links/requests", "parent@example.com"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	retryAfter := w.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("Retry-After header should be set")
	}
	if sec, err := strconv.Atoi(retryAfter); err != nil || sec < 1 {
		t.Errorf("Retry-After = %q, want positive integer", retryAfter)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q, want RATE_LIMIT_EXCEEDED", body.Code)
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want system", body.Category)
	}
	if body.Message == "" || body.Action == "" {
		t.Error("message and action should not be empty")
	}
}

func TestRateLimitMiddleware_IsolatesIdentities(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SubmitRate:      1,
		SubmitBurst:     1,
		CleanupInterval: time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/links/requests", "a@example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("a first: status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/links/requests", "a@example.com"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("a second: status = %d, want 429", w.Code)
	}

	// 別の利用者は影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/links/requests", "b@example.com"))
	if w.Code != http.StatusOK {
		t.Errorf("b: status = %d, want 200", w.Code)
	}

	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", got)
	}
}

func TestRateLimitMiddleware_AnonymousKeyedByRemoteIP(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SubmitRate:      1,
		SubmitBurst:     1,
		CleanupInterval: time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/links/requests", nil)
	first.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, first)
	if w.Code != http.StatusOK {
		t.Fatalf("first: status = %d", w.Code)
	}

	// 同一IPの別ポートは同じ利用者として扱う
	second := httptest.NewRequest(http.MethodGet, "/links/requests", nil)
	second.RemoteAddr = "192.0.2.10:40001"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, second)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second: status = %d, want 429", w.Code)
	}

	other := httptest.NewRequest(http.MethodGet, "/links/requests", nil)
	other.RemoteAddr = "192.0.2.11:40000"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Errorf("other ip: status = %d, want 200", w.Code)
	}
}

// --- SubmitMiddleware (紐付けリクエスト送信) のテスト ---

func TestSubmitMiddleware_IndependentFromGeneral(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		SubmitRate:      1,
		SubmitBurst:     1,
		CleanupInterval: time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	submit := rl.SubmitMiddleware()(okHandler())
	general := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	submit.ServeHTTP(w, requestAs(http.MethodPost, "/links/requests", "kid@example.com"))
	if w.Code != http.StatusOK {
		t.Fatalf("submit first: status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	submit.ServeHTTP(w, requestAs(http.MethodPost, "/links/requests", "kid@example.com"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("submit second: status = %d, want 429", w.Code)
	}

	// 送信の上限に達してもAPI全般は利用できる
	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestAs(http.MethodGet, "/links/requests", "kid@example.com"))
	if w.Code != http.StatusOK {
		t.Errorf("general: status = %d, want 200", w.Code)
	}

	if rl.SubmitLimiterCount() != 1 {
		t.Errorf("SubmitLimiterCount = %d, want 1", rl.SubmitLimiterCount())
	}
}

// --- 設定のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SubmitBurst != 10 {
		t.Errorf("SubmitBurst = %d, want 10", cfg.SubmitBurst)
	}
	if float64(cfg.GeneralRate) != 2 {
		t.Errorf("GeneralRate = %v, want 2", cfg.GeneralRate)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		SubmitRate:      1,
		SubmitBurst:     10,
		CleanupInterval: 50 * time.Millisecond, // テスト用に短く
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/links/requests", "cleanup@example.com"))

	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLはCleanupIntervalの2倍（100ms）。300ms待てば削除される
	deadline := time.Now().Add(2 * time.Second)
	for rl.GeneralLimiterCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
