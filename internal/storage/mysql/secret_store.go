package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"AgentPay-Chain/internal/keyvault"
)

// SecretStore 使用 MySQL 的 session_secrets 表保存会话密钥。
type SecretStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSecretStore 打开连接池并执行内嵌迁移。
func NewSecretStore(ctx context.Context, cfg Config) (*SecretStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SecretStore{db: db, now: time.Now}, nil
}

// Put 实现 keyvault.SecretStore。
func (s *SecretStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_secrets (secret_key, secret_value, updated_at)
    VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE secret_value = VALUES(secret_value), updated_at = VALUES(updated_at)`,
		key, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("写入会话密钥失败: %w", err)
	}
	return nil
}

// Get 实现 keyvault.SecretStore。
func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT secret_value FROM session_secrets WHERE secret_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", keyvault.ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("读取会话密钥失败: %w", err)
	}
	return value, nil
}

// Delete 实现 keyvault.SecretStore。
func (s *SecretStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_secrets WHERE secret_key = ?`, key); err != nil {
		return fmt.Errorf("删除会话密钥失败: %w", err)
	}
	return nil
}

// Close releases the underlying database connection pool.
func (s *SecretStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ keyvault.SecretStore = (*SecretStore)(nil)
