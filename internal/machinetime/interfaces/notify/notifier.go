package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	machinetime "machine-time/internal/machinetime/domain"
)

// EquipmentReader resolves display names.
type EquipmentReader interface {
	FindByID(ctx context.Context, id string) (*machinetime.Equipment, error)
}

// Clock provides time for cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders selected lifecycle events and sends them to a channel.
// Only error and idle detections are sent unless WithEvents says otherwise.
type Notifier struct {
	channel      Channel
	template     *Template
	equipment    EquipmentReader
	events       map[string]struct{}
	clock        Clock
	logger       *log.Logger
	cooldown     time.Duration
	dedupeWindow time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEvents replaces the set of notified event names.
func WithEvents(names ...string) Option {
	return func(n *Notifier) {
		if len(names) == 0 {
			return
		}
		n.events = make(map[string]struct{}, len(names))
		for _, name := range names {
			n.events[name] = struct{}{}
		}
	}
}

// WithEquipmentReader resolves equipment names for messages.
func WithEquipmentReader(reader EquipmentReader) Option {
	return func(n *Notifier) {
		n.equipment = reader
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger for send failures.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same
// equipment and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("machine notifier: nil channel")
	}
	if template == nil {
		tpl, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = tpl
	}
	n := &Notifier{
		channel:  channel,
		template: template,
		clock:    systemClock{},
		logger:   log.Default(),
		sent:     make(map[string]sendRecord),
	}
	WithEvents(machinetime.EventErrorDetected, machinetime.EventIdleDetected)(n)
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Events lists the selected lifecycle event names in sorted order.
func (n *Notifier) Events() []string {
	names := make([]string, 0, len(n.events))
	for name := range n.events {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Handle is an event handler for the lifecycle bus. Send failures are
// returned so the dispatcher retries them.
func (n *Notifier) Handle(ctx context.Context, event any) error {
	if n == nil {
		return nil
	}
	var evt machinetime.LifecycleEvent
	switch e := event.(type) {
	case machinetime.LifecycleEvent:
		evt = e
	case *machinetime.LifecycleEvent:
		if e == nil {
			return nil
		}
		evt = *e
	default:
		return nil
	}
	if _, ok := n.events[evt.Event]; !ok {
		return nil
	}

	content, err := n.template.Render(n.templateData(ctx, evt))
	if err != nil {
		return fmt.Errorf("machine notifier: render: %w", err)
	}
	key := evt.EquipmentID + "|" + evt.Event
	if !n.shouldSend(key, content) {
		return nil
	}
	if err := n.channel.Send(ctx, content); err != nil {
		n.logger.Printf("machine notifier send failed: equipment=%s event=%s err=%v", evt.EquipmentID, evt.Event, err)
		return err
	}
	n.markSent(key, content)
	return nil
}

func (n *Notifier) templateData(ctx context.Context, evt machinetime.LifecycleEvent) TemplateData {
	name := evt.EquipmentID
	if n.equipment != nil {
		if eq, err := n.equipment.FindByID(ctx, evt.EquipmentID); err == nil && eq != nil && eq.Name != "" {
			name = eq.Name
		}
	}
	return TemplateData{
		Equipment:     name,
		EquipmentID:   evt.EquipmentID,
		EntryID:       evt.EntryID,
		Event:         evt.Event,
		EventLabel:    eventLabel(evt.Event),
		Timestamp:     evt.Timestamp.UTC().Format(time.RFC3339),
		PreviousState: dataString(evt.Data, "previousState"),
		AlarmCode:     dataString(evt.Data, "alarmCode"),
		Duration:      dataHours(evt.Data, "duration"),
		Cost:          dataString(evt.Data, "cost"),
		IdleTimeout:   dataString(evt.Data, "idleTimeout"),
		Suggestion:    suggestionFor(evt.Event),
	}
}

func eventLabel(event string) string {
	switch event {
	case machinetime.EventErrorDetected:
		return "Error"
	case machinetime.EventIdleDetected:
		return "Idle Auto-Stop"
	case machinetime.EventTimeStarted:
		return "Started"
	case machinetime.EventTimeStopped:
		return "Stopped"
	case machinetime.EventTimePaused:
		return "Paused"
	case machinetime.EventTimeResumed:
		return "Resumed"
	default:
		return event
	}
}

func suggestionFor(event string) string {
	switch event {
	case machinetime.EventErrorDetected:
		return "Inspect the machine alarm and restart the job when cleared."
	case machinetime.EventIdleDetected:
		return "Confirm the job finished; reopen the entry if work continues."
	default:
		return "No action required."
	}
}

func dataString(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func dataHours(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case float64:
		return fmt.Sprintf("%.2f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (n *Notifier) shouldSend(key, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hashContent(content) && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(key, content string) {
	n.mu.Lock()
	n.sent[key] = sendRecord{at: n.clock.Now().UTC(), hash: hashContent(content)}
	n.mu.Unlock()
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
