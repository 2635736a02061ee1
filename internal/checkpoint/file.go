package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/pkg/logger"
)

// FileStore 将 checkpoint 保存为本地 JSON 文件。
type FileStore struct {
	burnerPath string
	tokensPath string
	log        *slog.Logger
}

// NewFileStore 创建基于文件的 checkpoint，两个路径均不能为空。
func NewFileStore(burnerPath, tokensPath string) (*FileStore, error) {
	if burnerPath == "" || tokensPath == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "checkpoint 文件路径不能为空")
	}
	return &FileStore{
		burnerPath: burnerPath,
		tokensPath: tokensPath,
		log:        logger.Named("checkpoint"),
	}, nil
}

// BurnerPath 返回 burner 记录文件路径。
func (s *FileStore) BurnerPath() string { return s.burnerPath }

// TokensPath 返回 token 列表文件路径。
func (s *FileStore) TokensPath() string { return s.tokensPath }

// LoadBurner 实现 Store。
func (s *FileStore) LoadBurner(context.Context) (common.Address, bool) {
	data, ok := s.read(s.burnerPath)
	if !ok {
		return common.Address{}, false
	}
	burner, err := decodeBurner(data)
	if err != nil {
		s.log.Warn("忽略损坏的 burner 记录", slog.String("path", s.burnerPath), slog.Any("error", err))
		return common.Address{}, false
	}
	return burner, true
}

// SaveBurner 实现 Store。
func (s *FileStore) SaveBurner(_ context.Context, burner common.Address) error {
	data, err := encodeBurner(burner)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.burnerPath, data)
}

// LoadTokens 实现 Store。
func (s *FileStore) LoadTokens(context.Context) []*big.Int {
	data, ok := s.read(s.tokensPath)
	if !ok {
		return nil
	}
	tokens, err := decodeTokens(data)
	if err != nil {
		s.log.Warn("忽略损坏的 token 列表", slog.String("path", s.tokensPath), slog.Any("error", err))
		return nil
	}
	return tokens
}

// SaveTokens 实现 Store。
func (s *FileStore) SaveTokens(_ context.Context, tokens []*big.Int) error {
	data, err := encodeTokens(tokens)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.tokensPath, data)
}

// Close 实现 Store。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("读取 checkpoint 失败", slog.String("path", path), slog.Any("error", err))
		}
		return nil, false
	}
	return data, true
}

// writeFileAtomic 先写临时文件再重命名，崩溃时不会留下半截内容。
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 checkpoint 目录失败")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", path))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("同步 %s 失败", path))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("关闭 %s 失败", path))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("替换 %s 失败", path))
	}
	return nil
}
