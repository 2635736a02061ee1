package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/pkg/logger"
)

// RedisConfig 描述 Redis checkpoint 的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 在 Redis 中保存 checkpoint，便于多台机器共享同一 worker 的状态。
// 键为 <prefix>:burner 与 <prefix>:tokens，值与文件格式相同。
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisStore 创建 Redis checkpoint 并校验连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = "guardian"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, prefix: prefix, log: logger.Named("checkpoint")}, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// LoadBurner 实现 Store。
func (s *RedisStore) LoadBurner(ctx context.Context) (common.Address, bool) {
	data, ok := s.get(ctx, s.key("burner"))
	if !ok {
		return common.Address{}, false
	}
	burner, err := decodeBurner(data)
	if err != nil {
		s.log.Warn("忽略损坏的 burner 记录", slog.String("key", s.key("burner")), slog.Any("error", err))
		return common.Address{}, false
	}
	return burner, true
}

// SaveBurner 实现 Store。
func (s *RedisStore) SaveBurner(ctx context.Context, burner common.Address) error {
	data, err := encodeBurner(burner)
	if err != nil {
		return err
	}
	return s.set(ctx, s.key("burner"), data)
}

// LoadTokens 实现 Store。
func (s *RedisStore) LoadTokens(ctx context.Context) []*big.Int {
	data, ok := s.get(ctx, s.key("tokens"))
	if !ok {
		return nil
	}
	tokens, err := decodeTokens(data)
	if err != nil {
		s.log.Warn("忽略损坏的 token 列表", slog.String("key", s.key("tokens")), slog.Any("error", err))
		return nil
	}
	return tokens
}

// SaveTokens 实现 Store。
func (s *RedisStore) SaveTokens(ctx context.Context, tokens []*big.Int) error {
	data, err := encodeTokens(tokens)
	if err != nil {
		return err
	}
	return s.set(ctx, s.key("tokens"), data)
}

// Close 实现 Store。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) get(ctx context.Context, key string) ([]byte, bool) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("读取 checkpoint 失败", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	return data, true
}

func (s *RedisStore) set(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 Redis 键 %s 失败", key))
	}
	return nil
}
