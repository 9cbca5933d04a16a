package linkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hitoshi/voicediary/internal/link"
	"github.com/hitoshi/voicediary/internal/model"
)

func TestMain(m *testing.M) {
	// リクエストごとのタイムアウト用goroutineが残っていないことを確認する
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// compile-time interface check
var (
	_ link.RequestSource = (*Client)(nil)
	_ link.PendingReader = (*Client)(nil)
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestClient(t *testing.T, server *httptest.Server, token string, timeout time.Duration) *Client {
	t.Helper()
	var buf bytes.Buffer
	return NewClient(server.URL, token, timeout, newTestLogger(&buf)).WithHTTPClient(server.Client())
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient("http://localhost:8080/", "", 0, newTestLogger(&buf))
	if c.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.timeout, DefaultTimeout)
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
}

func TestClient_Create(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/links/requests" {
			t.Errorf("request = %s %s, want POST /links/requests", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["parentEmail"] != "parent@example.com" {
			t.Errorf("parentEmail = %q, want normalized", body["parentEmail"])
		}
		if body["childName"] != model.DefaultChildName {
			t.Errorf("childName = %q, want placeholder", body["childName"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "r1",
			"parentEmail": body["parentEmail"],
			"childEmail":  body["childEmail"],
			"childName":   body["childName"],
			"createdAt":   int64(1700000000123),
			"status":      "pending",
		})
	}))
	defer server.Close()

	c := newTestClient(t, server, "secret-token", time.Second)
	req, err := c.Create(context.Background(), model.NewLinkRequest{
		ParentEmail: " Parent@Example.com",
		ChildEmail:  "kid@example.com",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if req.ID != "r1" || req.Status != model.LinkStatusPending {
		t.Errorf("req = %+v", req)
	}
	if !req.CreatedAt.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("CreatedAt = %v", req.CreatedAt)
	}
}

func TestClient_NoTokenOmitsAuthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Authorization"]; ok {
			t.Error("Authorization header should be absent")
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "", time.Second)
	list, err := c.ListByChild(context.Background(), "kid@example.com")
	if err != nil {
		t.Fatalf("ListByChild returned error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("len = %d, want 0", len(list))
	}
}

func TestClient_ListByParent_QueryParameters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("parent") != "parent@example.com" || q.Get("status") != "pending" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`[{"id":"r1","parentEmail":"parent@example.com","childEmail":"kid@example.com","createdAt":1,"status":"pending"}]`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "", time.Second)
	pending := model.LinkStatusPending
	list, err := c.ListByParent(context.Background(), "parent@example.com", &pending)
	if err != nil {
		t.Fatalf("ListByParent returned error: %v", err)
	}
	if len(list) != 1 || list[0].ChildEmail != "kid@example.com" {
		t.Errorf("list = %+v", list)
	}
}

func TestClient_ApproveRejectPaths(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		status := "accepted"
		if strings.HasSuffix(r.URL.Path, "/reject") {
			status = "rejected"
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "r1", "status": status, "createdAt": 1})
	}))
	defer server.Close()

	c := newTestClient(t, server, "", time.Second)
	approved, err := c.Approve(context.Background(), "r1")
	if err != nil || approved.Status != model.LinkStatusAccepted {
		t.Fatalf("Approve = %+v, %v", approved, err)
	}
	rejected, err := c.Reject(context.Background(), "r1")
	if err != nil || rejected.Status != model.LinkStatusRejected {
		t.Fatalf("Reject = %+v, %v", rejected, err)
	}

	want := []string{"POST /links/requests/r1/approve", "POST /links/requests/r1/reject"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestClient_ListLinkedAndReview(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/links/children":
			w.Write([]byte(`[{"childEmail":"kid@example.com","childName":"Kid","linkedAt":1700000000000}]`))
		case "/links/review":
			if r.URL.Query().Get("rid") != "r1" {
				t.Errorf("rid = %q", r.URL.Query().Get("rid"))
			}
			w.Write([]byte(`{"id":"r1","status":"pending","createdAt":1}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server, "", time.Second)
	linked, err := c.ListLinked(context.Background(), "parent@example.com")
	if err != nil {
		t.Fatalf("ListLinked returned error: %v", err)
	}
	if len(linked) != 1 || !linked[0].LinkedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("linked = %+v", linked)
	}

	req, err := c.Review(context.Background(), "parent@example.com", "r1")
	if err != nil || req.ID != "r1" {
		t.Errorf("Review = %+v, %v", req, err)
	}
}

func TestClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{
			name:     "統一エラーフォーマット",
			status:   http.StatusNotFound,
			body:     `{"code":"LINK_REQUEST_NOT_FOUND","message":"not here","category":"link"}`,
			wantCode: model.ErrCodeLinkRequestNotFound,
			wantMsg:  "not here",
		},
		{
			name:     "detail形式",
			status:   http.StatusBadRequest,
			body:     `{"detail":"bad email"}`,
			wantCode: model.ErrCodeValidation,
			wantMsg:  "bad email",
		},
		{
			name:     "認証エラー",
			status:   http.StatusUnauthorized,
			body:     ``,
			wantCode: model.ErrCodeUnauthorized,
		},
		{
			name:     "サーバーエラー",
			status:   http.StatusBadGateway,
			body:     `<html>oops</html>`,
			wantCode: model.ErrCodeNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, server, "", time.Second)
			_, err := c.Approve(context.Background(), "r1")

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *model.APIError", err)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", apiErr.Code, tt.wantCode)
			}
			if tt.wantMsg != "" && apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	var observed []string
	c := newTestClient(t, server, "", 50*time.Millisecond).
		WithLatencyObserver(func(op string, d time.Duration) { observed = append(observed, op) })

	start := time.Now()
	_, err := c.ListByChild(context.Background(), "kid@example.com")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("call took %v, want bounded by timeout", elapsed)
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeTimeout {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if !model.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if len(observed) != 1 || observed[0] != "list_by_child" {
		t.Errorf("observed = %v, want [list_by_child]", observed)
	}
}

func TestClient_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	c := newTestClient(t, server, "", 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.ListByChild(ctx, "kid@example.com")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(url, "", time.Second, newTestLogger(&buf))
	_, err := c.ListByChild(context.Background(), "kid@example.com")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNetwork {
		t.Fatalf("err = %v, want NETWORK_ERROR", err)
	}
}
