package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	xerrors "guardian-bootstrap/internal/errors"
)

// ErrContainerNotFound 表示要删除的容器不存在。
var ErrContainerNotFound = errors.New("container not found")

// Mount 描述一个绑定挂载。
type Mount struct {
	Source string
	Target string
}

// RunSpec 描述一次容器启动。
type RunSpec struct {
	Name          string
	Image         string
	Mounts        []Mount
	Env           []string
	RestartPolicy string
	PullAlways    bool
}

// Runtime 是容器运行时的命令接口。
type Runtime interface {
	Remove(ctx context.Context, name string) error
	Run(ctx context.Context, spec RunSpec) error
	Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error)
}

// DockerCLI 通过 docker 兼容的命令行（docker、podman 等）控制容器。
type DockerCLI struct {
	binary string
}

// NewDockerCLI 创建运行时，binary 为空时使用 docker。
func NewDockerCLI(binary string) *DockerCLI {
	if strings.TrimSpace(binary) == "" {
		binary = "docker"
	}
	return &DockerCLI{binary: binary}
}

// Remove 强制删除容器，容器不存在时返回 ErrContainerNotFound。
func (d *DockerCLI) Remove(ctx context.Context, name string) error {
	_, stderr, err := d.exec(ctx, "rm", "-f", name)
	if err != nil {
		if strings.Contains(strings.ToLower(stderr), "no such container") {
			return ErrContainerNotFound
		}
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("删除容器 %s 失败: %s", name, stderr))
	}
	return nil
}

// Run 以后台方式启动容器。
func (d *DockerCLI) Run(ctx context.Context, spec RunSpec) error {
	if _, stderr, err := d.exec(ctx, runArgs(spec)...); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("启动容器 %s 失败: %s", spec.Name, stderr))
	}
	return nil
}

func runArgs(spec RunSpec) []string {
	args := []string{"run"}
	if spec.PullAlways {
		args = append(args, "--pull", "always")
	}
	args = append(args, "--name", spec.Name)
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.Source+":"+m.Target)
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart="+spec.RestartPolicy)
	}
	return append(args, "-d", spec.Image)
}

// Logs 跟随容器输出，包含最近 tail 行历史。stdout 与 stderr 合并到同一个流，
// 关闭返回值会终止底层进程。
func (d *DockerCLI) Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, d.binary, "logs", "-f", "--tail="+strconv.Itoa(tail), name)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("读取容器 %s 日志失败", name))
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return &logStream{PipeReader: pr, cancel: cancel}, nil
}

type logStream struct {
	*io.PipeReader
	cancel context.CancelFunc
	once   sync.Once
}

func (s *logStream) Close() error {
	s.once.Do(s.cancel)
	return s.PipeReader.Close()
}

func (d *DockerCLI) exec(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}
