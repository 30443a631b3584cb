package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	machinetime "machine-time/internal/machinetime/domain"
)

type recordingChannel struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (c *recordingChannel) Send(_ context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, content)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

type stubEquipment struct {
	eq *machinetime.Equipment
}

func (s stubEquipment) FindByID(_ context.Context, _ string) (*machinetime.Equipment, error) {
	return s.eq, nil
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func errorEvent(at time.Time) machinetime.LifecycleEvent {
	return machinetime.LifecycleEvent{
		Event:       machinetime.EventErrorDetected,
		Timestamp:   at,
		EquipmentID: "cnc-01",
		EntryID:     "entry-1",
		Data:        map[string]any{"previousState": "RUNNING", "alarmCode": "E-42", "duration": 1.5, "cost": "187.50"},
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewNotifier(channel, nil, WithEquipmentReader(stubEquipment{eq: &machinetime.Equipment{ID: "cnc-01", Name: "Mill 1"}}))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	evt := errorEvent(at)
	if err := notifier.Handle(context.Background(), &evt); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" {
			t.Fatalf("msgtype: %s", payload.MsgType)
		}
		for _, want := range []string{"[Machine Error]", "Equipment: Mill 1", "Alarm Code: E-42", "Previous State: RUNNING", "Duration (h): 1.50", "Cost: 187.50", "2026-03-02T09:30:00Z"} {
			if !strings.Contains(payload.Text.Content, want) {
				t.Fatalf("content missing %q:\n%s", want, payload.Text.Content)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not called")
	}
}

func TestNotifierIgnoresUnselectedEvents(t *testing.T) {
	channel := &recordingChannel{}
	notifier, err := NewNotifier(channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	started := machinetime.LifecycleEvent{Event: machinetime.EventTimeStarted, EquipmentID: "cnc-01", Timestamp: time.Now()}
	if err := notifier.Handle(context.Background(), started); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := notifier.Handle(context.Background(), "not an event"); err != nil {
		t.Fatalf("handle foreign type: %v", err)
	}
	if channel.count() != 0 {
		t.Fatalf("expected no messages, got %d", channel.count())
	}

	idle := machinetime.LifecycleEvent{Event: machinetime.EventIdleDetected, EquipmentID: "cnc-01", Timestamp: time.Now(), Data: map[string]any{"idleTimeout": 600}}
	if err := notifier.Handle(context.Background(), idle); err != nil {
		t.Fatalf("handle idle: %v", err)
	}
	if channel.count() != 1 || !strings.Contains(channel.messages[0], "Idle Timeout (s): 600") {
		t.Fatalf("idle message: %+v", channel.messages)
	}
}

func TestNotifierCooldownAndDedupe(t *testing.T) {
	channel := &recordingChannel{}
	clock := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	notifier, err := NewNotifier(channel, nil, WithClock(clock), WithCooldown(time.Minute), WithDedupeWindow(10*time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	evt := errorEvent(clock.now)
	ctx := context.Background()

	_ = notifier.Handle(ctx, evt)
	_ = notifier.Handle(ctx, evt)
	if channel.count() != 1 {
		t.Fatalf("cooldown: expected 1 message, got %d", channel.count())
	}

	clock.now = clock.now.Add(2 * time.Minute)
	_ = notifier.Handle(ctx, evt)
	if channel.count() != 1 {
		t.Fatalf("dedupe: expected identical content suppressed, got %d", channel.count())
	}

	changed := errorEvent(clock.now)
	changed.Data["alarmCode"] = "E-99"
	_ = notifier.Handle(ctx, changed)
	if channel.count() != 2 {
		t.Fatalf("changed content should send, got %d", channel.count())
	}
}

func TestNotifierReturnsSendError(t *testing.T) {
	channel := &recordingChannel{err: errors.New("boom")}
	notifier, err := NewNotifier(channel, nil, WithCooldown(time.Hour))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.Handle(context.Background(), errorEvent(time.Now())); err == nil {
		t.Fatalf("expected send error")
	}
	channel.err = nil
	if err := notifier.Handle(context.Background(), errorEvent(time.Now())); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if channel.count() != 1 {
		t.Fatalf("failed send must not start cooldown, got %d", channel.count())
	}
}

func TestNewNotifierRequiresChannel(t *testing.T) {
	if _, err := NewNotifier(nil, nil); err == nil {
		t.Fatalf("expected nil channel error")
	}
	if _, err := NewWebhookChannel(""); err == nil {
		t.Fatalf("expected empty url error")
	}
	if _, err := NewWebhookChannel("ftp://bot.example"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestWebhookChannelReportsRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusForbidden)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithWebhookTimeout(time.Second))
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	err = channel.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("expected status error with body, got %v", err)
	}
	if err := channel.Send(context.Background(), "  "); err == nil {
		t.Fatalf("expected empty content error")
	}
}

func TestNotifierEventsDefaultsAndOverride(t *testing.T) {
	n, err := NewNotifier(&recordingChannel{}, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	got := n.Events()
	if len(got) != 2 || got[0] != machinetime.EventErrorDetected || got[1] != machinetime.EventIdleDetected {
		t.Fatalf("unexpected default events: %v", got)
	}
	n, err = NewNotifier(&recordingChannel{}, nil, WithEvents(machinetime.EventTimeStopped))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if got := n.Events(); len(got) != 1 || got[0] != machinetime.EventTimeStopped {
		t.Fatalf("unexpected override events: %v", got)
	}
}
