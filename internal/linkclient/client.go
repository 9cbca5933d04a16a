// Package linkclient は紐付けリクエストAPIのHTTPクライアントを提供する。
// 各呼び出しは固定のタイムアウトと呼び出し元のcontextで打ち切られ、自動リトライは行わない。
package linkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/voicediary/internal/model"
)

// DefaultTimeout はリモート呼び出しのデフォルトのタイムアウト。
const DefaultTimeout = 10 * time.Second

// maxErrorBodyBytes はエラーレスポンスとして読み取るボディの上限。
const maxErrorBodyBytes = 64 * 1024

// LatencyObserver はリモート呼び出しの所要時間を受け取る。
type LatencyObserver func(operation string, d time.Duration)

// Client は紐付けリクエストAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	token      string
	timeout    time.Duration
	observe    LatencyObserver
}

// NewClient はClientを生成する。
// tokenが空の場合はAuthorizationヘッダーを付与しない。timeoutが0以下の場合はDefaultTimeoutを使う。
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		timeout:    timeout,
	}
}

// WithHTTPClient は使用するhttp.Clientを差し替える。
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithLatencyObserver は呼び出しごとの所要時間の通知先を設定する。
func (c *Client) WithLatencyObserver(fn LatencyObserver) *Client {
	c.observe = fn
	return c
}

// linkRequestPayload はAPIの紐付けリクエスト表現。時刻はエポックミリ秒。
type linkRequestPayload struct {
	ID          string `json:"id"`
	ParentEmail string `json:"parentEmail"`
	ChildEmail  string `json:"childEmail"`
	ChildName   string `json:"childName,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Status      string `json:"status"`
}

func (p linkRequestPayload) toModel() model.LinkRequest {
	return model.LinkRequest{
		ID:          p.ID,
		ParentEmail: p.ParentEmail,
		ChildEmail:  p.ChildEmail,
		ChildName:   p.ChildName,
		Note:        p.Note,
		CreatedAt:   time.UnixMilli(p.CreatedAt),
		Status:      model.LinkStatus(p.Status),
	}
}

type linkedChildPayload struct {
	ChildEmail string `json:"childEmail"`
	ChildName  string `json:"childName,omitempty"`
	LinkedAt   int64  `json:"linkedAt"`
}

type createRequestBody struct {
	ParentEmail string `json:"parentEmail"`
	ChildEmail  string `json:"childEmail"`
	ChildName   string `json:"childName,omitempty"`
	Note        string `json:"note,omitempty"`
}

// errorPayload はAPIのエラーレスポンス。detailは旧形式のエラーボディとの互換用。
type errorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Detail   string `json:"detail"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Field    string `json:"field"`
}

// Create は紐付けリクエストを作成する。ChildNameが空の場合はプレースホルダーを送る。
func (c *Client) Create(ctx context.Context, in model.NewLinkRequest) (*model.LinkRequest, error) {
	body := createRequestBody{
		ParentEmail: strings.ToLower(strings.TrimSpace(in.ParentEmail)),
		ChildEmail:  strings.ToLower(strings.TrimSpace(in.ChildEmail)),
		ChildName:   strings.TrimSpace(in.ChildName),
		Note:        strings.TrimSpace(in.Note),
	}
	if body.ChildName == "" {
		body.ChildName = model.DefaultChildName
	}

	var out linkRequestPayload
	if err := c.do(ctx, "create", http.MethodPost, "/links/requests", nil, body, &out); err != nil {
		return nil, err
	}
	req := out.toModel()
	return &req, nil
}

// ListByParent は保護者宛てのリクエスト一覧を取得する。
func (c *Client) ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
	q := url.Values{}
	q.Set("parent", parentEmail)
	if status != nil {
		q.Set("status", string(*status))
	}
	return c.listRequests(ctx, "list_by_parent", q)
}

// ListByChild は子女が送信したリクエスト一覧を取得する。
func (c *Client) ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error) {
	q := url.Values{}
	q.Set("child", childEmail)
	return c.listRequests(ctx, "list_by_child", q)
}

func (c *Client) listRequests(ctx context.Context, op string, q url.Values) ([]model.LinkRequest, error) {
	var out []linkRequestPayload
	if err := c.do(ctx, op, http.MethodGet, "/links/requests", q, nil, &out); err != nil {
		return nil, err
	}
	list := make([]model.LinkRequest, 0, len(out))
	for _, p := range out {
		list = append(list, p.toModel())
	}
	return list, nil
}

// Approve はリクエストを承認する。
func (c *Client) Approve(ctx context.Context, requestID string) (*model.LinkRequest, error) {
	return c.resolve(ctx, "approve", requestID)
}

// Reject はリクエストを拒否する。
func (c *Client) Reject(ctx context.Context, requestID string) (*model.LinkRequest, error) {
	return c.resolve(ctx, "reject", requestID)
}

func (c *Client) resolve(ctx context.Context, action, requestID string) (*model.LinkRequest, error) {
	var out linkRequestPayload
	path := "/links/requests/" + url.PathEscape(requestID) + "/" + action
	if err := c.do(ctx, action, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	req := out.toModel()
	return &req, nil
}

// ListLinked は保護者の紐付け済み子女一覧を取得する。
func (c *Client) ListLinked(ctx context.Context, parentEmail string) ([]model.LinkedChild, error) {
	q := url.Values{}
	q.Set("parent", parentEmail)

	var out []linkedChildPayload
	if err := c.do(ctx, "list_linked", http.MethodGet, "/links/children", q, nil, &out); err != nil {
		return nil, err
	}
	list := make([]model.LinkedChild, 0, len(out))
	for _, p := range out {
		list = append(list, model.LinkedChild{
			ChildEmail: p.ChildEmail,
			ChildName:  p.ChildName,
			LinkedAt:   time.UnixMilli(p.LinkedAt),
		})
	}
	return list, nil
}

// Review はディープリンクで指定されたリクエストを取得する。
func (c *Client) Review(ctx context.Context, parentEmail, requestID string) (*model.LinkRequest, error) {
	q := url.Values{}
	q.Set("parent", parentEmail)
	q.Set("rid", requestID)

	var out linkRequestPayload
	if err := c.do(ctx, "review", http.MethodGet, "/links/review", q, nil, &out); err != nil {
		return nil, err
	}
	req := out.toModel()
	return &req, nil
}

// do はAPIを1回呼び出し、成功時はレスポンスをoutにデコードする。
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.observe != nil {
		c.observe(op, time.Since(start))
	}
	if err != nil {
		return c.classifyTransportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return c.classifyTransportError(ctx, op, err)
		}
		c.logger.Error("failed to decode link API response",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError("レスポンスを解析できませんでした")
	}
	return nil
}

// classifyTransportError は通信エラーをTIMEOUTまたはNETWORK_ERRORに分類する。
// 呼び出し元によるキャンセルはcontext.Canceledをそのまま返す。
func (c *Client) classifyTransportError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("link API call timed out",
			slog.String("operation", op),
			slog.Duration("timeout", c.timeout),
		)
		return model.NewTimeoutError()
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	c.logger.Warn("link API call failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return model.NewNetworkError(err.Error())
}

// decodeError は非2xxレスポンスをAPIErrorに変換する。
// 統一エラーフォーマットであればそのまま復元し、それ以外はステータスコードから推定する。
func (c *Client) decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)

	message := payload.Message
	if message == "" {
		message = payload.Detail
	}

	c.logger.Warn("link API returned error status",
		slog.String("operation", op),
		slog.Int("http_status", resp.StatusCode),
		slog.String("code", payload.Code),
	)

	if payload.Code != "" {
		return &model.APIError{
			Code:     payload.Code,
			Message:  message,
			Category: payload.Category,
			Action:   payload.Action,
			Field:    payload.Field,
		}
	}

	var apiErr *model.APIError
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		apiErr = model.NewValidationError(payload.Field, "入力内容が正しくありません。")
	case http.StatusUnauthorized:
		apiErr = model.NewUnauthorizedError()
	case http.StatusNotFound:
		apiErr = model.NewLinkRequestNotFoundError("")
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		apiErr = model.NewTimeoutError()
	default:
		apiErr = model.NewNetworkError(fmt.Sprintf("サーバーがステータス %d を返しました", resp.StatusCode))
	}
	if message != "" {
		apiErr.Message = message
	}
	return apiErr
}
