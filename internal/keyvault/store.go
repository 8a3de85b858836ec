package keyvault

import (
	"context"
	"errors"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
)

// StorageKeyPrefix 是每条链密钥在存储中的固定键前缀。
const StorageKeyPrefix = "agentpay.session."

// ErrSecretNotFound 表示存储中没有该键。
var ErrSecretNotFound = errors.New("会话密钥不存在")

// SecretStore 是会话密钥的持久化协作方。实现只负责原样保存字符串，
// 静态加密属于具体部署的职责。
type SecretStore interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// StorageKey 返回指定链的固定存储键。
func StorageKey(chain ledger.Chain) string {
	return StorageKeyPrefix + string(chain)
}

// Load 读取所有链的密钥。found 为 false 表示存储中没有任何条目；
// 只有部分链存在时仍返回 found，由 Restore 判定为 MalformedSecret。
func Load(ctx context.Context, store SecretStore) (Secrets, bool, error) {
	secrets := make(Secrets)
	for _, chain := range ledger.SupportedChains() {
		value, err := store.Get(ctx, StorageKey(chain))
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话密钥失败")
		}
		secrets[chain] = value
	}
	return secrets, len(secrets) > 0, nil
}

// Save 写入所有链的密钥。
func Save(ctx context.Context, store SecretStore, secrets Secrets) error {
	for _, chain := range secrets.Chains() {
		if err := store.Put(ctx, StorageKey(chain), secrets[chain]); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话密钥失败",
				xerrors.WithMetadata("chain", string(chain)))
		}
	}
	return nil
}

// Clear 删除所有链的密钥条目，缺失的条目不视为错误。
func Clear(ctx context.Context, store SecretStore) error {
	var errs []error
	for _, chain := range ledger.SupportedChains() {
		if err := store.Delete(ctx, StorageKey(chain)); err != nil && !errors.Is(err, ErrSecretNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeStorageFailure, errors.Join(errs...), "删除会话密钥失败")
	}
	return nil
}

// MemoryStore 是进程内的 SecretStore，适合测试与单次运行。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Put 实现 SecretStore。
func (s *MemoryStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Get 实现 SecretStore。
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Delete 实现 SecretStore。
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Len 返回当前条目数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

var _ SecretStore = (*MemoryStore)(nil)
