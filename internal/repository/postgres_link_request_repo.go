package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/voicediary/internal/model"
)

// PostgresLinkRequestRepo はPostgreSQLを使用した紐付けリクエストリポジトリ。
type PostgresLinkRequestRepo struct {
	db *sql.DB
}

// NewPostgresLinkRequestRepo はPostgresLinkRequestRepoを生成する。
func NewPostgresLinkRequestRepo(db *sql.DB) *PostgresLinkRequestRepo {
	return &PostgresLinkRequestRepo{db: db}
}

const linkRequestColumns = `id, parent_email, child_email, child_name, note, created_at, status`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLinkRequest(s rowScanner) (model.LinkRequest, error) {
	var req model.LinkRequest
	var status string
	err := s.Scan(&req.ID, &req.ParentEmail, &req.ChildEmail, &req.ChildName, &req.Note, &req.CreatedAt, &status)
	req.Status = model.LinkStatus(status)
	return req, err
}

// FindByID は指定IDの紐付けリクエストを取得する。見つからない場合はnilを返す。
func (r *PostgresLinkRequestRepo) FindByID(ctx context.Context, id string) (*model.LinkRequest, error) {
	req, err := scanLinkRequest(r.db.QueryRowContext(ctx,
		`SELECT `+linkRequestColumns+` FROM link_requests WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("紐付けリクエストの取得に失敗しました: %w", err)
	}
	return &req, nil
}

// ListByParent は保護者Emailが一致するリクエストを作成日時の降順で返す。
func (r *PostgresLinkRequestRepo) ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
	var statusArg sql.NullString
	if status != nil {
		statusArg = sql.NullString{String: string(*status), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkRequestColumns+`
		 FROM link_requests
		 WHERE lower(parent_email) = lower($1)
		   AND ($2::text IS NULL OR status = $2)
		 ORDER BY created_at DESC`,
		parentEmail, statusArg,
	)
	if err != nil {
		return nil, fmt.Errorf("保護者宛て紐付けリクエスト一覧の取得に失敗しました: %w", err)
	}
	return collectLinkRequests(rows)
}

// ListByChild は子女Emailが一致するリクエストを作成日時の降順で返す。
func (r *PostgresLinkRequestRepo) ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkRequestColumns+`
		 FROM link_requests
		 WHERE lower(child_email) = lower($1)
		 ORDER BY created_at DESC`,
		childEmail,
	)
	if err != nil {
		return nil, fmt.Errorf("子女の紐付けリクエスト一覧の取得に失敗しました: %w", err)
	}
	return collectLinkRequests(rows)
}

func collectLinkRequests(rows *sql.Rows) ([]model.LinkRequest, error) {
	defer rows.Close()

	var results []model.LinkRequest
	for rows.Next() {
		req, err := scanLinkRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("紐付けリクエスト行の読み取りに失敗しました: %w", err)
		}
		results = append(results, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("紐付けリクエスト一覧の走査に失敗しました: %w", err)
	}
	return results, nil
}

// Create は紐付けリクエストを作成する。
func (r *PostgresLinkRequestRepo) Create(ctx context.Context, req *model.LinkRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_requests (id, parent_email, child_email, child_name, note, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.ParentEmail, req.ChildEmail, req.ChildName, req.Note, req.CreatedAt, string(req.Status),
	)
	if err != nil {
		return fmt.Errorf("紐付けリクエストの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus は指定IDの行をロックし、pendingまたは同じ状態の場合のみ状態を更新する。
// 並行する更新は行ロックで直列化され、後続は先行の書き込み結果を見て判定する。
func (r *PostgresLinkRequestRepo) UpdateStatus(ctx context.Context, id string, status model.LinkStatus) (StatusChange, error) {
	var previous string
	var applied bool
	err := r.db.QueryRowContext(ctx,
		`WITH target AS (
		     SELECT id, status FROM link_requests WHERE id = $1 FOR UPDATE
		 ), updated AS (
		     UPDATE link_requests l SET status = $2, updated_at = NOW()
		     FROM target
		     WHERE l.id = target.id AND target.status IN ('pending', $2)
		     RETURNING l.id
		 )
		 SELECT target.status, EXISTS (SELECT 1 FROM updated) FROM target`,
		id, string(status),
	).Scan(&previous, &applied)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusChange{}, nil
	}
	if err != nil {
		return StatusChange{}, fmt.Errorf("紐付けリクエストの状態更新に失敗しました: %w", err)
	}
	return StatusChange{Found: true, Applied: applied, Previous: model.LinkStatus(previous)}, nil
}

// DeleteResolvedBefore はbeforeより前に作成された解決済みリクエストを削除する。
func (r *PostgresLinkRequestRepo) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM link_requests WHERE status IN ('accepted', 'rejected') AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("解決済みリクエストの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ LinkRequestRepository = (*PostgresLinkRequestRepo)(nil)
