package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKeepsOrder(t *testing.T) {
	var m Memory
	ctx := context.Background()
	for _, status := range []Status{StatusStarted, StatusCompleted} {
		if err := m.Publish(ctx, Event{RunID: "r1", Stage: "mint", Status: status, Time: time.Now()}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := m.Events()
	if len(got) != 2 || got[0].Status != StatusStarted || got[1].Status != StatusCompleted {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestRabbitMQRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQPublisher(RabbitMQConfig{}); err == nil {
		t.Fatal("expected an error without a URL")
	}
	var p *RabbitMQPublisher
	if err := p.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected an error from an uninitialised publisher")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("closing a nil publisher: %v", err)
	}
}

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }
func (f *failingPublisher) Close() error {
	f.closed = true
	return nil
}

func TestFanoutDeliversPastFailures(t *testing.T) {
	var m Memory
	bad := &failingPublisher{}
	fanout := Fanout{bad, &m}

	err := fanout.Publish(context.Background(), Event{Stage: "delegate", Status: StatusFailed})
	if err == nil {
		t.Fatal("expected the failing publisher's error")
	}
	if len(m.Events()) != 1 {
		t.Fatal("later publishers must still receive the event")
	}
	if err := fanout.Close(); err != nil || !bad.closed {
		t.Fatalf("close: %v closed=%v", err, bad.closed)
	}
}
