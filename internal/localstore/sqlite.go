package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createKVTable = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const upsertKV = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`

// busyTimeout は別プロセスが書き込みロックを保持している間に待つ時間。
const busyTimeout = 5 * time.Second

// SQLiteKV はSQLiteファイルに値を保存するKV実装。
// cgo不要のmodernc.org/sqliteドライバを使用する。
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLite はSQLiteファイルを開き、kvテーブルを用意したSQLiteKVを返す。
// pathに":memory:"を指定するとプロセス内のみで有効なストレージになる。
func OpenSQLite(ctx context.Context, path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("SQLiteのオープンに失敗しました: %w", err)
	}
	// 単一ライターのため接続は1本に制限する
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("SQLiteへの接続に失敗しました: %w", err)
	}
	if err := setBusyTimeout(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvテーブルの作成に失敗しました: %w", err)
	}

	return &SQLiteKV{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// setBusyTimeout はロック待ちの上限を接続に設定する。接続単位の設定のため取得した接続ごとに行う。
func setBusyTimeout(ctx context.Context, e execer) error {
	if _, err := e.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("busy_timeoutの設定に失敗しました: %w", err)
	}
	return nil
}

// Close はSQLite接続を閉じる。
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

// PingContext は接続の有効性を確認する。ヘルスチェックで使用する。
func (s *SQLiteKV) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get はキーに対応する値を返す。
func (s *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("キー %q の読み取りに失敗しました: %w", key, err)
	}
	return value, true, nil
}

// Set はキーに値をUPSERTする。
func (s *SQLiteKV) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, upsertKV, key, value); err != nil {
		return fmt.Errorf("キー %q の書き込みに失敗しました: %w", key, err)
	}
	return nil
}

// Remove はキーを削除する。
func (s *SQLiteKV) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("キー %q の削除に失敗しました: %w", key, err)
	}
	return nil
}

// Update はBEGIN IMMEDIATEのトランザクション内でキーを読み込み、fnの結果を書き込む。
// 同じファイルを開いている別プロセスの書き込みとも直列化される。
// fnの実行中は接続を占有するため、fnからこのKVを呼び出してはならない。
func (s *SQLiteKV) Update(ctx context.Context, key string, fn UpdateFunc) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("SQLite接続の取得に失敗しました: %w", err)
	}
	defer conn.Close()

	if err := setBusyTimeout(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var value string
	ok := true
	if scanErr := conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value); scanErr != nil {
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("キー %q の読み取りに失敗しました: %w", key, scanErr)
		}
		ok = false
	}

	next, write, err := fn(value, ok)
	if err != nil {
		return err
	}
	if write {
		if _, err := conn.ExecContext(ctx, upsertKV, key, next); err != nil {
			return fmt.Errorf("キー %q の書き込みに失敗しました: %w", key, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ KV = (*SQLiteKV)(nil)
