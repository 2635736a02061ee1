// Package worker 管理 guardian worker 容器的生命周期。
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/pkg/logger"
)

// Options 控制容器的挂载与环境变量。
type Options struct {
	CacheMount    string
	AllowlistEnv  string
	RestartPolicy string
	ExtraEnv      []string
}

func (o *Options) applyDefaults() {
	if o.CacheMount == "" {
		o.CacheMount = "/app/cache"
	}
	if o.AllowlistEnv == "" {
		o.AllowlistEnv = "OWNERS_ALLOWLIST"
	}
	if o.RestartPolicy == "" {
		o.RestartPolicy = "unless-stopped"
	}
}

// Manager 保证每个名称最多只有一个运行中的实例。
type Manager struct {
	runtime Runtime
	opts    Options
	log     *slog.Logger
}

// NewManager 创建生命周期管理器。
func NewManager(runtime Runtime, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{runtime: runtime, opts: opts, log: logger.Named("worker")}
}

// Start 删除同名实例后重新拉取镜像并启动，返回时不保证容器已完成初始化。
func (m *Manager) Start(ctx context.Context, name, image string, owner common.Address, cacheDir string) error {
	if name == "" || image == "" {
		return xerrors.New(xerrors.CodeConfiguration, "worker 名称与镜像不能为空")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("创建缓存目录 %s 失败", cacheDir))
	}

	if err := m.runtime.Remove(ctx, name); err != nil && !errors.Is(err, ErrContainerNotFound) {
		return err
	}

	env := append([]string{m.opts.AllowlistEnv + "=" + owner.Hex()}, m.opts.ExtraEnv...)
	spec := RunSpec{
		Name:          name,
		Image:         image,
		Mounts:        []Mount{{Source: cacheDir, Target: m.opts.CacheMount}},
		Env:           env,
		RestartPolicy: m.opts.RestartPolicy,
		PullAlways:    true,
	}
	m.log.Info("starting worker",
		slog.String("name", name),
		slog.String("image", image),
		slog.String("owner", owner.Hex()),
		slog.String("cache_dir", cacheDir),
	)
	return m.runtime.Run(ctx, spec)
}
