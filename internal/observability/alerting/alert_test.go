package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/events"
)

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestPublishAlertsOnlyOnFailure(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	notifier, err := NewWebhookNotifier(ChannelWebhook, srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	d := NewFanout(notifier)
	ctx := context.Background()

	if err := d.Publish(ctx, events.Event{RunID: "r1", Stage: "mint", Status: events.StatusCompleted}); err != nil {
		t.Fatalf("publish completed: %v", err)
	}
	failure := events.Event{
		RunID:  "r1",
		Stage:  "discover_burner",
		Status: events.StatusFailed,
		Owner:  "0xabc",
		Detail: "burner not observed",
		Code:   string(xerrors.CodeTimeout),
		Time:   time.Unix(1_700_000_000, 0),
	}
	if err := d.Publish(ctx, failure); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(got.bodies) != 1 {
		t.Fatalf("expected one alert, got %d", len(got.bodies))
	}
	body := got.bodies[0]
	if body["code"] != string(xerrors.CodeTimeout) || body["stage"] != "discover_burner" || body["severity"] != string(xerrors.SeverityWarning) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSlackAndDingTalkBodies(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	slack, err := NewWebhookNotifier(ChannelSlack, srv.URL, time.Second)
	if err != nil {
		t.Fatalf("slack: %v", err)
	}
	ding, err := NewWebhookNotifier(ChannelDingTalk, srv.URL, time.Second)
	if err != nil {
		t.Fatalf("dingtalk: %v", err)
	}
	event := Event{Code: xerrors.CodeDiscoveryMiss, Severity: xerrors.SeverityWarning, RunID: "r2", Stage: "discover_tokens", Message: "no tokens"}
	if err := NewFanout(slack, ding).Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(got.bodies) != 2 {
		t.Fatalf("expected two deliveries, got %d", len(got.bodies))
	}
	text, _ := got.bodies[0]["text"].(string)
	if !strings.Contains(text, "discover_tokens") {
		t.Fatalf("slack text missing stage: %q", text)
	}
	if got.bodies[1]["msgtype"] != "text" {
		t.Fatalf("unexpected dingtalk body %v", got.bodies[1])
	}
}

func TestNotifyReportsHTTPErrors(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusInternalServerError))
	defer srv.Close()

	notifier, err := NewWebhookNotifier("", srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = NewFanout(notifier).Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected channel error, got %v", err)
	}
}

func TestNewWebhookNotifierValidates(t *testing.T) {
	if _, err := NewWebhookNotifier(ChannelSlack, "", 0); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewWebhookNotifier("pager", "http://localhost", 0); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
