package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"thesisline/internal/domain"
	"thesisline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher delivers audit events to the hooks registered through
// the API. Each hook keeps its own cursor; a fresh hook starts at the
// newest event so it only sees what happens after registration. Delivery
// failures leave the cursor in place and retry on the next tick.
type webhookDispatcher struct {
	engine   engine.Engine
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	cursors  map[string]int64
}

// StartWebhookDispatcher runs the dispatcher loop until the returned stop
// function is called.
func StartWebhookDispatcher(e engine.Engine, logger *slog.Logger) func() {
	d := newWebhookDispatcher(e, logger)
	go d.run()
	var once sync.Once
	return func() {
		once.Do(func() { close(d.stop) })
		<-d.done
	}
}

func newWebhookDispatcher(e engine.Engine, logger *slog.Logger) *webhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		engine:   e,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		cursors:  make(map[string]int64),
	}
}

func (d *webhookDispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll() {
	ctx := context.Background()
	hooks, err := d.engine.Repo.ListWebhooks(ctx)
	if err != nil {
		d.logger.Error("webhook: list hooks failed", "error", err)
		return
	}
	seen := make(map[string]struct{}, len(hooks))
	for _, hook := range hooks {
		seen[hook.ID] = struct{}{}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
	d.pruneCursors(seen)
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, hook domain.Webhook) {
	cursor := d.cursorFor(ctx, hook.ID)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		d.logger.Error("webhook: fetch events failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(hook.ID, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Error("webhook: delivery failed", "url", hook.URL, "error", err)
			return
		}
		d.setCursor(hook.ID, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, hookID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[hookID]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, "")
	if err != nil {
		d.logger.Error("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[hookID] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(hookID string, value int64) {
	d.mu.Lock()
	d.cursors[hookID] = value
	d.mu.Unlock()
}

func (d *webhookDispatcher) pruneCursors(seen map[string]struct{}) {
	d.mu.Lock()
	for id := range d.cursors {
		if _, ok := seen[id]; !ok {
			delete(d.cursors, id)
		}
	}
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook domain.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Thesisline-Event", evt.Type)
	req.Header.Set("X-Thesisline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ProjectID != "" {
		req.Header.Set("X-Thesisline-Project", evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Thesisline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
