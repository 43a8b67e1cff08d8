package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	interval time.Duration
	wake     chan struct{}
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks delivers committed events to the configured webhooks until
// ctx is done. Each hook starts from the end of the log at startup, polls
// on an interval and is woken early whenever the bus reports a commit.
func StartWebhooks(ctx context.Context, a *app.App, interval time.Duration) {
	if a.Config == nil || len(a.Config.Webhooks) == 0 {
		return
	}
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	d := &webhookDispatcher{
		repo:     a.Repo,
		webhooks: a.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      a.Logger.Named("webhooks"),
		interval: interval,
		wake:     make(chan struct{}, 1),
		cursors:  make(map[int]int64),
	}
	notify := func(domain.Event) {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	if err := a.Bus.Subscribe(notify); err != nil {
		d.log.Warn("subscribe to bus failed; polling only", zap.Error(err))
	}
	go func() {
		<-ctx.Done()
		_ = a.Bus.Unsubscribe(notify)
	}()
	d.initCursors(ctx)
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *webhookDispatcher) initCursors(ctx context.Context) {
	cur, err := d.repo.LatestEventID(ctx, 0)
	if err != nil {
		d.log.Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.mu.Lock()
	for i := range d.webhooks {
		d.cursors[i] = cur
	}
	d.mu.Unlock()
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(idx)
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor, repo.EventFilter{})
	if err != nil {
		d.log.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(string(evt.Type)) {
			d.setCursor(idx, evt.Seq)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("seq", evt.Seq),
				zap.Error(err))
			return
		}
		d.setCursor(idx, evt.Seq)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ProjectID int64     `json:"project_id"`
	ActorID   string    `json:"actor_id"`
	TS        time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(webhookEvent{
		Seq:       evt.Seq,
		ID:        evt.ID,
		Type:      string(evt.Type),
		ProjectID: evt.ProjectID,
		ActorID:   evt.ActorID,
		TS:        evt.TS,
		Payload:   evt.Payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bountyline-Event", string(evt.Type))
	req.Header.Set("X-Bountyline-Delivery", evt.ID)
	req.Header.Set("X-Bountyline-Seq", strconv.FormatInt(evt.Seq, 10))
	req.Header.Set("X-Bountyline-Project", strconv.FormatInt(evt.ProjectID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Bountyline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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
