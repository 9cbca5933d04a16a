package link

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/voicediary/internal/model"
	"github.com/hitoshi/voicediary/internal/repository"
)

// Store は紐付けリクエストの一覧を管理する。
// リクエストの状態を変更できるのはStoreのみ。
type Store struct {
	repo   repository.LinkRequestRepository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewStore はStoreを生成する。
func NewStore(repo repository.LinkRequestRepository, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Create は紐付けリクエストを作成する。
// Emailは正規化され、状態はpending、作成日時は現在時刻になる。
func (s *Store) Create(ctx context.Context, in model.NewLinkRequest) (*model.LinkRequest, error) {
	parentEmail := NormalizeEmail(in.ParentEmail)
	childEmail := NormalizeEmail(in.ChildEmail)
	if parentEmail == "" {
		return nil, model.NewValidationError("parentEmail", "parentEmail は必須です。")
	}
	if childEmail == "" {
		return nil, model.NewValidationError("childEmail", "childEmail は必須です。")
	}

	req := &model.LinkRequest{
		ID:          s.newID(),
		ParentEmail: parentEmail,
		ChildEmail:  childEmail,
		ChildName:   strings.TrimSpace(in.ChildName),
		Note:        strings.TrimSpace(in.Note),
		CreatedAt:   s.now().Truncate(time.Millisecond),
		Status:      model.LinkStatusPending,
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("紐付けリクエストの作成に失敗しました: %w", err)
	}
	return req, nil
}

// Get は指定IDの紐付けリクエストを返す。存在しない場合はNotFoundエラーを返す。
func (s *Store) Get(ctx context.Context, id string) (*model.LinkRequest, error) {
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("紐付けリクエストの取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewLinkRequestNotFoundError(id)
	}
	return req, nil
}

// ListByParent は保護者宛てのリクエストを作成日時の新しい順に返す。
// statusがnilでない場合はその状態のみに絞り込む。
func (s *Store) ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
	list, err := s.repo.ListByParent(ctx, NormalizeEmail(parentEmail), status)
	if err != nil {
		return nil, fmt.Errorf("保護者宛てリクエストの取得に失敗しました: %w", err)
	}
	sortNewestFirst(list)
	return list, nil
}

// ListByChild は子女が送信したリクエストを全状態分、作成日時の新しい順に返す。
func (s *Store) ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error) {
	list, err := s.repo.ListByChild(ctx, NormalizeEmail(childEmail))
	if err != nil {
		return nil, fmt.Errorf("子女のリクエストの取得に失敗しました: %w", err)
	}
	sortNewestFirst(list)
	return list, nil
}

// SetStatus はリクエストの状態を上書きする。
// 対象が存在しない場合はログに記録するだけでエラーにはしない。
// pendingへの変更と、終端状態から別の終端状態への変更はINVALID_STATUS_TRANSITIONになる。
func (s *Store) SetStatus(ctx context.Context, id string, status model.LinkStatus) error {
	_, err := s.transition(ctx, id, status)
	return err
}

// transition はSetStatusの本体で、状態が実際に変わったかどうかも返す。
// 状態の確認と書き込みはリポジトリ側で1回の操作として行う。
func (s *Store) transition(ctx context.Context, id string, status model.LinkStatus) (bool, error) {
	if !status.Valid() {
		return false, model.NewValidationError("status", "未定義の状態です: "+string(status))
	}
	if status == model.LinkStatusPending {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return false, fmt.Errorf("紐付けリクエストの取得に失敗しました: %w", err)
		}
		if current == nil {
			s.logNotFound(id, status)
			return false, nil
		}
		return false, model.NewInvalidStatusTransitionError(current.Status, status)
	}

	change, err := s.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return false, fmt.Errorf("紐付けリクエストの状態更新に失敗しました: %w", err)
	}
	if !change.Found {
		s.logNotFound(id, status)
		return false, nil
	}
	if !change.Applied {
		return false, model.NewInvalidStatusTransitionError(change.Previous, status)
	}
	return change.Changed(status), nil
}

func (s *Store) logNotFound(id string, status model.LinkStatus) {
	s.logger.Warn("link request not found on status update",
		slog.String("request_id", id),
		slog.String("status", string(status)),
	)
}

// sortNewestFirst は作成日時の新しい順に並べ替える。同時刻の場合は元の順序を保つ。
func sortNewestFirst(list []model.LinkRequest) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
