package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/voicediary/internal/model"
)

// PostgresLinkedChildRepo はPostgreSQLを使用した紐付け済み子女リポジトリ。
type PostgresLinkedChildRepo struct {
	db *sql.DB
}

// NewPostgresLinkedChildRepo はPostgresLinkedChildRepoを生成する。
func NewPostgresLinkedChildRepo(db *sql.DB) *PostgresLinkedChildRepo {
	return &PostgresLinkedChildRepo{db: db}
}

// Append は保護者の紐付け済み子女一覧に1件追加する。
func (r *PostgresLinkedChildRepo) Append(ctx context.Context, parentEmail string, child model.LinkedChild) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO linked_children (parent_email, child_email, child_name, linked_at)
		 VALUES (lower($1), $2, $3, $4)`,
		parentEmail, child.ChildEmail, child.ChildName, child.LinkedAt,
	)
	if err != nil {
		return fmt.Errorf("紐付け済み子女の追加に失敗しました: %w", err)
	}
	return nil
}

// ListByParent は保護者の紐付け済み子女一覧を返す。
func (r *PostgresLinkedChildRepo) ListByParent(ctx context.Context, parentEmail string) ([]model.LinkedChild, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT child_email, child_name, linked_at
		 FROM linked_children WHERE parent_email = lower($1)
		 ORDER BY linked_at DESC, id DESC`,
		parentEmail,
	)
	if err != nil {
		return nil, fmt.Errorf("紐付け済み子女一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []model.LinkedChild
	for rows.Next() {
		var c model.LinkedChild
		if err := rows.Scan(&c.ChildEmail, &c.ChildName, &c.LinkedAt); err != nil {
			return nil, fmt.Errorf("紐付け済み子女行の読み取りに失敗しました: %w", err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("紐付け済み子女一覧の走査に失敗しました: %w", err)
	}
	return results, nil
}

// ExistsForChild は一覧に指定の子女Emailが含まれるかを返す。
func (r *PostgresLinkedChildRepo) ExistsForChild(ctx context.Context, parentEmail, childEmail string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM linked_children
		     WHERE parent_email = lower($1) AND lower(child_email) = lower($2)
		 )`,
		parentEmail, childEmail,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("紐付け済み子女の存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// compile-time interface check
var _ LinkedChildRepository = (*PostgresLinkedChildRepo)(nil)
