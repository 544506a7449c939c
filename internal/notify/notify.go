// Package notify delivers operator alerts (stranded agents) to chat
// integrations.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Channel is one alert destination.
type Channel interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

// Registry holds channels by name. Its Notify sends to all of them, so a
// Registry can be handed to the fleet as its notifier.
type Registry struct {
	mu    sync.RWMutex
	chans map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{chans: make(map[string]Channel)}
}

func (r *Registry) Register(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[c.Name()] = c
}

func (r *Registry) Get(name string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chans[name]
}

// Names lists registered channels, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chans))
	for n := range r.chans {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Notify sends message to every channel and joins their errors.
func (r *Registry) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, name := range r.Names() {
		if err := r.Get(name).Notify(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// SlackWebhook sends messages to a Slack channel via incoming webhook URL.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, message string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": message}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Throttle drops a message identical to one sent within Window.
type Throttle struct {
	next Channel
	seen *cache.Cache
}

func NewThrottle(next Channel, window time.Duration) *Throttle {
	return &Throttle{next: next, seen: cache.New(window, 2*window)}
}

func (t *Throttle) Name() string { return t.next.Name() }

func (t *Throttle) Notify(ctx context.Context, message string) error {
	// Add fails while an unexpired copy is cached.
	if err := t.seen.Add(message, struct{}{}, cache.DefaultExpiration); err != nil {
		return nil
	}
	if err := t.next.Notify(ctx, message); err != nil {
		t.seen.Delete(message)
		return err
	}
	return nil
}
