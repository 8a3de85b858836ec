package keyvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore 将密钥保存在数据目录下的单个 JSON 文件中，权限 0600。
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore 创建文件存储，目录不存在时自动创建。
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("密钥文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("创建密钥目录失败: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path 返回底层文件路径。
func (s *FileStore) Path() string { return s.path }

// Put 实现 SecretStore。
func (s *FileStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return err
	}
	values[key] = value
	return s.write(values)
}

// Get 实现 SecretStore。
func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Delete 实现 SecretStore。
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	if len(values) == 0 {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("删除密钥文件失败: %w", err)
		}
		return nil
	}
	return s.write(values)
}

func (s *FileStore) read() (map[string]string, error) {
	content, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取密钥文件失败: %w", err)
	}
	values := map[string]string{}
	if len(strings.TrimSpace(string(content))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(content, &values); err != nil {
		return nil, fmt.Errorf("解析密钥文件失败: %w", err)
	}
	return values, nil
}

func (s *FileStore) write(values map[string]string) error {
	payload, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化密钥失败: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("写入密钥文件失败: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("替换密钥文件失败: %w", err)
	}
	return nil
}

var _ SecretStore = (*FileStore)(nil)
