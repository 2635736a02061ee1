// Package metrics 统计流水线阶段事件，并以 Prometheus 文本格式写出，供
// node_exporter 的 textfile collector 采集。
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"guardian-bootstrap/internal/events"
)

// Collector 实现 events.Publisher，记录各阶段的状态计数与耗时。
type Collector struct {
	textfile string
	registry *prometheus.Registry

	stageEvents   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	lastRun       *prometheus.GaugeVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewCollector 创建收集器。textfile 非空时 Close 会把指标写入该文件。
func NewCollector(textfile string) *Collector {
	c := &Collector{
		textfile: textfile,
		registry: prometheus.NewRegistry(),
		stageEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_stage_events_total",
				Help: "Pipeline stage transitions by status.",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardian_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_last_run_timestamp_seconds",
				Help: "Unix time of the last run per outcome.",
			},
			[]string{"outcome"},
		),
		started: make(map[string]time.Time),
	}
	c.registry.MustRegister(c.stageEvents, c.stageDuration, c.lastRun)
	return c
}

// Publish 实现 events.Publisher。
func (c *Collector) Publish(_ context.Context, event events.Event) error {
	c.stageEvents.WithLabelValues(event.Stage, string(event.Status)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch event.Status {
	case events.StatusStarted:
		c.started[event.Stage] = event.Time
	case events.StatusCompleted, events.StatusFailed:
		if begin, ok := c.started[event.Stage]; ok {
			delete(c.started, event.Stage)
			c.stageDuration.WithLabelValues(event.Stage).Observe(event.Time.Sub(begin).Seconds())
		}
		if event.Status == events.StatusFailed {
			c.lastRun.WithLabelValues("aborted").Set(float64(event.Time.Unix()))
		} else if event.Stage == "delegate" {
			c.lastRun.WithLabelValues("done").Set(float64(event.Time.Unix()))
		}
	}
	return nil
}

// Close 将指标写入 textfile，WriteToTextfile 先写临时文件再重命名。
func (c *Collector) Close() error {
	if c.textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.textfile), 0o755); err != nil {
		return fmt.Errorf("创建指标目录失败: %w", err)
	}
	if err := prometheus.WriteToTextfile(c.textfile, c.registry); err != nil {
		return fmt.Errorf("写入指标失败: %w", err)
	}
	return nil
}

var _ events.Publisher = (*Collector)(nil)
