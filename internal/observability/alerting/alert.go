// Package alerting 在流水线中止时向外部渠道发送告警。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/events"
	"guardian-bootstrap/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的中止。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	RunID      string
	Stage      string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 将事件投递到多个通知器，同时实现 events.Publisher。
type FanoutDispatcher struct {
	notifiers []Notifier
	log       *slog.Logger
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set, log: logger.Named("alerting")}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// Publish 只对失败事件告警，其余事件直接忽略。
func (d *FanoutDispatcher) Publish(ctx context.Context, e events.Event) error {
	if d == nil || e.Status != events.StatusFailed || len(d.notifiers) == 0 {
		return nil
	}
	code := xerrors.Code(e.Code)
	if code == "" {
		code = xerrors.CodeUnknown
	}
	alert := Event{
		Code:       code,
		Message:    e.Detail,
		Severity:   xerrors.AttributesOf(code).Severity,
		RunID:      e.RunID,
		Stage:      e.Stage,
		Metadata:   map[string]string{"owner": e.Owner},
		OccurredAt: e.Time,
	}
	if e.Burner != "" {
		alert.Metadata["burner"] = e.Burner
	}
	if err := d.Notify(ctx, alert); err != nil {
		d.log.Warn("告警发送失败", slog.String("run_id", e.RunID), slog.Any("error", err))
		return err
	}
	return nil
}

// Close 实现 events.Publisher。
func (d *FanoutDispatcher) Close() error { return nil }

// WebhookNotifier 以 HTTP POST 推送告警，按渠道生成消息体。
type WebhookNotifier struct {
	channel Channel
	url     string
	http    *resty.Client
}

// NewWebhookNotifier 创建 webhook 通知器。
func NewWebhookNotifier(channel Channel, url string, timeout time.Duration) (*WebhookNotifier, error) {
	if strings.TrimSpace(url) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "告警 webhook 地址不能为空")
	}
	switch channel {
	case "":
		channel = ChannelWebhook
	case ChannelWebhook, ChannelDingTalk, ChannelSlack:
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的告警渠道 %q", channel))
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		channel: channel,
		url:     url,
		http:    resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
	}, nil
}

// Channel 返回通知渠道。
func (n *WebhookNotifier) Channel() Channel { return n.channel }

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	resp, err := n.http.R().SetContext(ctx).SetBody(n.body(event)).Post(n.url)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransient, err, "发送告警失败")
	}
	if resp.IsError() {
		return xerrors.New(xerrors.CodeTransient, fmt.Sprintf("告警接口返回 %d", resp.StatusCode()))
	}
	return nil
}

func (n *WebhookNotifier) body(event Event) any {
	switch n.channel {
	case ChannelSlack:
		return map[string]any{"text": render(event)}
	case ChannelDingTalk:
		return map[string]any{"msgtype": "text", "text": map[string]string{"content": render(event)}}
	default:
		return map[string]any{
			"code":        event.Code,
			"message":     event.Message,
			"severity":    event.Severity,
			"run_id":      event.RunID,
			"stage":       event.Stage,
			"metadata":    event.Metadata,
			"occurred_at": event.OccurredAt.Format(time.RFC3339),
		}
	}
}

func render(event Event) string {
	text := fmt.Sprintf("[%s] %s\n运行: %s\n阶段: %s\n%s",
		event.Severity, event.Code, event.RunID, event.Stage, event.Message)
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text += fmt.Sprintf("\n- %s: %s", k, event.Metadata[k])
	}
	return text
}

var _ events.Publisher = (*FanoutDispatcher)(nil)
