// Package localstore は端末ローカルの永続キーバリューストレージを提供する。
// ブラウザのローカルストレージ相当の役割を持ち、値は文字列として丸ごと上書きされる
// （キー単位のラストライトウィンズ）。
package localstore

import (
	"context"
	"sync"
)

// KV は端末ローカルのキーバリューストレージのインターフェース。
type KV interface {
	// Get はキーに対応する値を返す。存在しない場合はokがfalseになる。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set はキーに値を保存する。既存の値は上書きされる。
	Set(ctx context.Context, key, value string) error
	// Remove はキーを削除する。存在しない場合もエラーにしない。
	Remove(ctx context.Context, key string) error
	// Update はキーの読み込みからfnの結果の書き込みまでを他の書き込みと直列化して行う。
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// UpdateFunc は現在の値を受け取り、書き込む値を返す。
// writeがfalseの場合やエラーを返した場合は何も書き込まない。
type UpdateFunc func(value string, ok bool) (next string, write bool, err error)

// MemoryKV はメモリ上で動作するKV実装。テストや一時セッションで使用する。
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV は空のMemoryKVを生成する。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

// Get はキーに対応する値を返す。
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set はキーに値を保存する。
func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Remove はキーを削除する。
func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Update はロック下でキーの値を読み込み、fnの結果を書き込む。
func (m *MemoryKV) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	next, write, err := fn(v, ok)
	if err != nil || !write {
		return err
	}
	m.data[key] = next
	return nil
}

// compile-time interface check
var _ KV = (*MemoryKV)(nil)
