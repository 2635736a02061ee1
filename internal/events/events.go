// Package events 发布流水线阶段事件，供外部监控或自动化脚本订阅。
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"guardian-bootstrap/pkg/logger"
)

// Status 表示阶段的状态变化。
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Event 描述一次阶段状态变化。
type Event struct {
	RunID  string    `json:"run_id"`
	Stage  string    `json:"stage"`
	Status Status    `json:"status"`
	Owner  string    `json:"owner,omitempty"`
	Burner string    `json:"burner,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Code   string    `json:"code,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher 投递阶段事件。发布失败不会中断流水线。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogPublisher 将事件写入结构化日志。
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher 创建日志事件发布器。
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logger.Named("events")}
}

// Publish 实现 Publisher。
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.log.Debug("stage event",
		slog.String("run_id", event.RunID),
		slog.String("stage", event.Stage),
		slog.String("status", string(event.Status)),
		slog.String("detail", event.Detail),
	)
	return nil
}

// Close 实现 Publisher。
func (p *LogPublisher) Close() error { return nil }

// Memory 在内存中保存事件，主要用于测试与 CLI 输出。
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish 实现 Publisher。
func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Close 实现 Publisher。
func (m *Memory) Close() error { return nil }

// Events 返回已记录事件的副本。
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Fanout 将事件投递给多个发布器，单个失败不影响其他发布器。
type Fanout []Publisher

// Publish 实现 Publisher。
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 实现 Publisher。
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
