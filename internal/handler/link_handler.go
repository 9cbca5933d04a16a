package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/qri-io/jsonschema"

	"github.com/hitoshi/voicediary/internal/link"
	"github.com/hitoshi/voicediary/internal/metrics"
	"github.com/hitoshi/voicediary/internal/middleware"
	"github.com/hitoshi/voicediary/internal/model"
	"github.com/hitoshi/voicediary/internal/notify"
	"github.com/hitoshi/voicediary/internal/security"
)

// 自由記述欄の最大文字数
const (
	maxChildNameRunes = 50
	maxNoteRunes      = 500
)

// maxRequestBodyBytes はリクエストボディの上限。
const maxRequestBodyBytes = 16 * 1024

// createLinkRequestSchema はPOST /links/requestsのボディのJSONスキーマ。
const createLinkRequestSchema = `{
	"type": "object",
	"properties": {
		"parentEmail": {"type": "string", "maxLength": 254},
		"childEmail": {"type": "string", "maxLength": 254},
		"childName": {"type": "string"},
		"note": {"type": "string"}
	},
	"required": ["parentEmail"],
	"additionalProperties": false
}`

// LinkRequestServiceInterface は紐付けリクエストハンドラーが必要とするサービスインターフェース。
type LinkRequestServiceInterface interface {
	// Submit は紐付けリクエストを作成する。
	Submit(ctx context.Context, in model.NewLinkRequest) (*model.LinkRequest, error)
	// Get は指定IDの紐付けリクエストを取得する。
	Get(ctx context.Context, id string) (*model.LinkRequest, error)
	// ListByParent は保護者宛てのリクエストを新しい順に返す。
	ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error)
	// ListByChild は子女が送信したリクエストを新しい順に返す。
	ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error)
}

// ParentServiceInterface は保護者側の審査操作のインターフェース。
type ParentServiceInterface interface {
	Approve(ctx context.Context, requestID string) (*model.LinkRequest, error)
	Reject(ctx context.Context, requestID string) (*model.LinkRequest, error)
	ListLinked(ctx context.Context, parentEmail string) ([]model.LinkedChild, error)
	Review(ctx context.Context, parentEmail, requestID string) (*model.LinkRequest, error)
}

// LinkHandlerConfig はLinkHandlerの設定。
type LinkHandlerConfig struct {
	// BaseURL は通知に含める承認ページURLの基点。
	BaseURL string
}

// LinkHandler は紐付けリクエストのHTTPハンドラー。
type LinkHandler struct {
	requests  LinkRequestServiceInterface
	parents   ParentServiceInterface
	notifier  notify.Notifier
	sanitizer security.TextSanitizerService
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    LinkHandlerConfig
	schema    *jsonschema.Schema
}

// NewLinkHandler はLinkHandlerを生成する。
func NewLinkHandler(
	requests LinkRequestServiceInterface,
	parents ParentServiceInterface,
	notifier notify.Notifier,
	sanitizer security.TextSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config LinkHandlerConfig,
) *LinkHandler {
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(createLinkRequestSchema), schema); err != nil {
		panic(fmt.Sprintf("invalid link request schema: %v", err))
	}
	return &LinkHandler{
		requests:  requests,
		parents:   parents,
		notifier:  notifier,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		config:    config,
		schema:    schema,
	}
}

// createLinkRequestBody は紐付けリクエスト作成のボディ。
type createLinkRequestBody struct {
	ParentEmail string `json:"parentEmail"`
	ChildEmail  string `json:"childEmail"`
	ChildName   string `json:"childName"`
	Note        string `json:"note"`
}

// linkRequestResponse は紐付けリクエストのAPIレスポンス。時刻はエポックミリ秒。
type linkRequestResponse struct {
	ID          string `json:"id"`
	ParentEmail string `json:"parentEmail"`
	ChildEmail  string `json:"childEmail"`
	ChildName   string `json:"childName,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Status      string `json:"status"`
}

// linkedChildResponse は紐付け済み子女のAPIレスポンス。
type linkedChildResponse struct {
	ChildEmail string `json:"childEmail"`
	ChildName  string `json:"childName,omitempty"`
	LinkedAt   int64  `json:"linkedAt"`
}

// CreateRequest は紐付けリクエストの作成を処理する。
// POST /links/requests
func (h *LinkHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("", "リクエストボディが大きすぎるか、読み取れません。"))
		return
	}

	if apiErr := h.validateBody(r.Context(), raw); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	var body createLinkRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("", "リクエストボディの解析に失敗しました。"))
		return
	}

	// childEmailが省略された場合は認証済みのEmailを呼び出し元とする
	childEmail := body.ChildEmail
	if strings.TrimSpace(childEmail) == "" {
		if email, err := middleware.EmailFromContext(r.Context()); err == nil {
			childEmail = email
		}
	}

	req, err := h.requests.Submit(r.Context(), model.NewLinkRequest{
		ParentEmail: body.ParentEmail,
		ChildEmail:  childEmail,
		ChildName:   h.sanitizer.Sanitize(body.ChildName, maxChildNameRunes),
		Note:        h.sanitizer.Sanitize(body.Note, maxNoteRunes),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordLinkRequestCreated()
	h.notify(r.Context(), req)

	writeJSON(w, http.StatusCreated, toLinkRequestResponse(req))
}

// validateBody はボディをJSONスキーマで検証する。
func (h *LinkHandler) validateBody(ctx context.Context, raw []byte) *model.APIError {
	keyErrs, err := h.schema.ValidateBytes(ctx, raw)
	if err != nil {
		return model.NewValidationError("", "リクエストボディの解析に失敗しました。")
	}
	if len(keyErrs) == 0 {
		return nil
	}
	first := keyErrs[0]
	field := strings.TrimPrefix(first.PropertyPath, "/")
	return model.NewValidationError(field, "リクエストボディの形式が正しくありません: "+first.Message)
}

// notify は保護者へ承認ページのリンクを通知する。失敗してもリクエストの作成は取り消さない。
func (h *LinkHandler) notify(ctx context.Context, req *model.LinkRequest) {
	if h.notifier == nil {
		return
	}
	reviewURL := link.ReviewURL(h.config.BaseURL, req.ID)
	if err := h.notifier.NotifyLinkRequest(ctx, req, reviewURL); err != nil {
		h.logger.Warn("failed to notify parent",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ListRequests は紐付けリクエスト一覧を返す。
// GET /links/requests?parent=&status= または GET /links/requests?child=
func (h *LinkHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	parent := strings.TrimSpace(q.Get("parent"))
	child := strings.TrimSpace(q.Get("child"))

	var (
		list []model.LinkRequest
		err  error
	)
	switch {
	case parent != "":
		var status *model.LinkStatus
		if v := q.Get("status"); v != "" {
			s, parseErr := model.ParseLinkStatus(v)
			if parseErr != nil {
				handleServiceError(w, parseErr)
				return
			}
			status = &s
		}
		list, err = h.requests.ListByParent(r.Context(), parent, status)
	case child != "":
		list, err = h.requests.ListByChild(r.Context(), child)
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("parent", "parent または child を指定してください。"))
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]linkRequestResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toLinkRequestResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRequest は紐付けリクエストを1件返す。
// GET /links/requests/{id}
func (h *LinkHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkRequestResponse(req))
}

// Approve は紐付けリクエストを承認する。
// POST /links/requests/{id}/approve
func (h *LinkHandler) Approve(w http.ResponseWriter, r *http.Request) {
	req, err := h.parents.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkRequestResponse(req))
}

// Reject は紐付けリクエストを拒否する。
// POST /links/requests/{id}/reject
func (h *LinkHandler) Reject(w http.ResponseWriter, r *http.Request) {
	req, err := h.parents.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkRequestResponse(req))
}

// ListLinked は保護者の紐付け済み子女一覧を返す。
// GET /links/children?parent=
func (h *LinkHandler) ListLinked(w http.ResponseWriter, r *http.Request) {
	list, err := h.parents.ListLinked(r.Context(), h.parentFromRequest(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := make([]linkedChildResponse, 0, len(list))
	for _, c := range list {
		resp = append(resp, linkedChildResponse{
			ChildEmail: c.ChildEmail,
			ChildName:  c.ChildName,
			LinkedAt:   c.LinkedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Review はディープリンクで指定されたリクエストを返す。
// GET /links/review?rid=&parent=
func (h *LinkHandler) Review(w http.ResponseWriter, r *http.Request) {
	req, err := h.parents.Review(r.Context(), h.parentFromRequest(r), r.URL.Query().Get("rid"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkRequestResponse(req))
}

// parentFromRequest はparentクエリを返す。省略時は認証済みのEmailを使う。
func (h *LinkHandler) parentFromRequest(r *http.Request) string {
	if parent := strings.TrimSpace(r.URL.Query().Get("parent")); parent != "" {
		return parent
	}
	if email, err := middleware.EmailFromContext(r.Context()); err == nil {
		return email
	}
	return ""
}

// toLinkRequestResponse はドメインのLinkRequestをレスポンス型に変換する。
func toLinkRequestResponse(req *model.LinkRequest) linkRequestResponse {
	return linkRequestResponse{
		ID:          req.ID,
		ParentEmail: req.ParentEmail,
		ChildEmail:  req.ChildEmail,
		ChildName:   req.ChildName,
		Note:        req.Note,
		CreatedAt:   req.CreatedAt.UnixMilli(),
		Status:      string(req.Status),
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse はAPIエラーレスポンスを統一フォーマットで書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeLinkRequestNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidStatusTransition:
		return http.StatusConflict
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.ErrCodeNetwork:
		return http.StatusBadGateway
	case model.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
