package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hitoshi/satez/internal/model"
)

// TokenCache は最後に確認されたセッションをファイルに保存する。
// パスが空の場合はメモリ上にも保存せず、常に未サインインとして扱う。
type TokenCache struct {
	path string
}

// NewTokenCache は新しいTokenCacheを生成する。
func NewTokenCache(path string) *TokenCache {
	return &TokenCache{path: path}
}

// Load は保存済みのセッションを返す。ファイルがない場合はnil。
func (c *TokenCache) Load() (*model.Session, error) {
	if c.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トークンキャッシュの読み込みに失敗しました: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("トークンキャッシュのパースに失敗しました: %w", err)
	}
	if s.ID == "" || s.UserID == "" {
		return nil, nil
	}
	return &s, nil
}

// Save はセッションを保存する。書き込みは一時ファイルからのrenameで行う。
func (c *TokenCache) Save(s *model.Session) error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("トークンキャッシュのディレクトリ作成に失敗しました: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("セッションのシリアライズに失敗しました: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("トークンキャッシュの書き込みに失敗しました: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("トークンキャッシュの書き込みに失敗しました: %w", err)
	}
	return nil
}

// Clear は保存済みのセッションを削除する。
func (c *TokenCache) Clear() error {
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("トークンキャッシュの削除に失敗しました: %w", err)
	}
	return nil
}
