// Package burner extracts the worker's self-reported operating address from
// its log stream.
package burner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"guardian-bootstrap/internal/checkpoint"
	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/pkg/logger"
)

// DefaultTail is the number of historical lines replayed before following.
const DefaultTail = 200

// ErrTimeout is returned when no announcement arrives before the deadline.
var ErrTimeout = errors.New("burner discovery timed out")

var announcement = regexp.MustCompile(`Using burner wallet.*\{"address":\s*"(0x[0-9a-fA-F]+)"\}`)

// LogSource streams a worker's output, replaying up to tail lines first.
type LogSource interface {
	Logs(ctx context.Context, name string, tail int) (io.ReadCloser, error)
}

// Discoverer watches a worker's logs for its burner announcement.
type Discoverer struct {
	logs  LogSource
	store checkpoint.Store
	tail  int
	log   *slog.Logger
}

// NewDiscoverer builds a discoverer. A non-positive tail falls back to
// DefaultTail.
func NewDiscoverer(logs LogSource, store checkpoint.Store, tail int) *Discoverer {
	if tail <= 0 {
		tail = DefaultTail
	}
	return &Discoverer{logs: logs, store: store, tail: tail, log: logger.Named("burner")}
}

// ParseLine returns the burner address announced on line, if any.
func ParseLine(line string) (common.Address, bool) {
	m := announcement.FindStringSubmatch(line)
	if m == nil || !common.IsHexAddress(m[1]) {
		return common.Address{}, false
	}
	return common.HexToAddress(m[1]), true
}

// Discover returns the first burner announced by worker name. The address is
// checkpointed before Discover returns. If nothing matches within timeout,
// including when the stream ends early, it returns an error wrapping
// ErrTimeout at the deadline and writes nothing.
func (d *Discoverer) Discover(ctx context.Context, name string, timeout time.Duration) (common.Address, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := d.logs.Logs(waitCtx, name, d.tail)
	if err != nil {
		return common.Address{}, err
	}
	defer stream.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-waitCtx.Done():
				return
			}
		}
	}()

	scanned := 0
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// EOF before a match still waits out the deadline.
				lines = nil
				continue
			}
			scanned++
			d.log.Debug(line, slog.String("worker", name))
			burner, found := ParseLine(line)
			if !found {
				continue
			}
			if err := d.store.SaveBurner(ctx, burner); err != nil {
				return common.Address{}, fmt.Errorf("保存 burner checkpoint 失败: %w", err)
			}
			d.log.Info("burner discovered",
				slog.String("worker", name),
				slog.String("burner", burner.Hex()),
				slog.Int("line", scanned),
				slog.Duration("elapsed", time.Since(start)),
			)
			return burner, nil
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return common.Address{}, err
			}
			d.log.Warn("burner not observed",
				slog.String("worker", name),
				slog.Duration("elapsed", time.Since(start)),
				slog.Duration("timeout", timeout),
				slog.Int("lines_scanned", scanned),
			)
			return common.Address{}, xerrors.Wrap(xerrors.CodeDiscoveryMiss, ErrTimeout,
				fmt.Sprintf("%s 内未在 worker %s 的日志中发现 burner 地址", timeout, name))
		}
	}
}
