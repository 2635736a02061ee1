package worker_test

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/worker"
	"guardian-bootstrap/internal/worker/workertest"
)

var owner = common.HexToAddress("0x8888888888888888888888888888888888888888")

func TestStartReplacesExistingInstance(t *testing.T) {
	ctx := context.Background()
	rt := workertest.New()
	manager := worker.NewManager(rt, worker.Options{})
	cache := filepath.Join(t.TempDir(), "cache")

	if err := manager.Start(ctx, "guardian_worker1", "example/guardian:latest", owner, cache); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := manager.Start(ctx, "guardian_worker1", "example/guardian:latest", owner, cache); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if info, err := os.Stat(cache); err != nil || !info.IsDir() {
		t.Fatalf("expected cache dir to be created: %v", err)
	}
	if got := rt.Removed(); len(got) != 2 {
		t.Fatalf("expected a forced remove before every run, got %v", got)
	}
	runs := rt.Runs()
	if len(runs) != 2 {
		t.Fatalf("expected two runs, got %d", len(runs))
	}
	spec := runs[1]
	if !spec.PullAlways || spec.RestartPolicy != "unless-stopped" {
		t.Fatalf("unexpected run spec %+v", spec)
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Source != cache || spec.Mounts[0].Target != "/app/cache" {
		t.Fatalf("unexpected mounts %+v", spec.Mounts)
	}
	if len(spec.Env) != 1 || spec.Env[0] != "OWNERS_ALLOWLIST="+owner.Hex() {
		t.Fatalf("unexpected env %v", spec.Env)
	}
	if !rt.Running("guardian_worker1") {
		t.Fatal("expected exactly one live instance")
	}
}

func TestStartPropagatesRunFailure(t *testing.T) {
	rt := workertest.New()
	rt.FailRun(xerrors.New(xerrors.CodeRuntimeFailure, "daemon unavailable"))
	manager := worker.NewManager(rt, worker.Options{})
	err := manager.Start(context.Background(), "w", "img", owner, t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeRuntimeFailure {
		t.Fatalf("expected runtime failure, got %v", err)
	}
}

// fakeDocker writes a shell script standing in for the docker binary. It
// appends its arguments to a log file and prints canned output for logs.
func fakeDocker(t *testing.T) (binary, argsLog string) {
	t.Helper()
	dir := t.TempDir()
	argsLog = filepath.Join(dir, "args.log")
	binary = filepath.Join(dir, "docker")
	script := `#!/bin/sh
echo "$@" >> "` + argsLog + `"
case "$1" in
  rm)
    if [ "$3" = "missing" ]; then
      echo "Error response from daemon: No such container: missing" >&2
      exit 1
    fi
    ;;
  logs)
    echo "booting"
    echo "ready" >&2
    ;;
esac
exit 0
`
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	return binary, argsLog
}

func TestDockerCLICommands(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	binary, argsLog := fakeDocker(t)
	cli := worker.NewDockerCLI(binary)

	if err := cli.Remove(ctx, "missing"); !errors.Is(err, worker.ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", err)
	}
	if err := cli.Remove(ctx, "present"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err := cli.Run(ctx, worker.RunSpec{
		Name:          "guardian_worker1",
		Image:         "example/guardian:latest",
		Mounts:        []worker.Mount{{Source: "/tmp/cache", Target: "/app/cache"}},
		Env:           []string{"OWNERS_ALLOWLIST=" + owner.Hex()},
		RestartPolicy: "unless-stopped",
		PullAlways:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	stream, err := cli.Logs(ctx, "guardian_worker1", 200)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	var lines []string
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	_ = stream.Close()
	if len(lines) != 2 {
		t.Fatalf("expected stdout and stderr lines, got %v", lines)
	}

	raw, err := os.ReadFile(argsLog)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	calls := strings.Split(strings.TrimSpace(string(raw)), "\n")
	want := []string{
		"rm -f missing",
		"rm -f present",
		"run --pull always --name guardian_worker1 -v /tmp/cache:/app/cache -e OWNERS_ALLOWLIST=" + owner.Hex() + " --restart=unless-stopped -d example/guardian:latest",
		"logs -f --tail=200 guardian_worker1",
	}
	if len(calls) != len(want) {
		t.Fatalf("unexpected calls %q", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}
