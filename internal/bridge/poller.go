package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// notification is the slice of the server's notification row the bridge
// renders into wake summaries.
type notification struct {
	EventType string  `json:"event_type"`
	Title     string  `json:"title"`
	Body      *string `json:"body"`
}

// Poller drives one agent's heartbeat/poll/wake loop.
type Poller struct {
	agent  *ResolvedAgent
	client *http.Client
	logger *slog.Logger
	waker  Waker

	// waking guards against overlapping wakes; the poll cycle skips while a
	// wake is still running.
	waking atomic.Bool
	// wakeWG lets one-shot runs wait for the spawned wake to finish instead
	// of sleeping.
	wakeWG sync.WaitGroup
}

func NewPoller(agent *ResolvedAgent, logger *slog.Logger, waker Waker) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if waker == nil {
		waker = NewWaker(agent)
	}
	return &Poller{
		agent:  agent,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("agent", agent.Name),
		waker:  waker,
	}
}

// Run loops until the context is cancelled, heartbeating and polling on
// their configured intervals. The first cycle fires immediately.
func (p *Poller) Run(ctx context.Context) {
	heartbeat := time.NewTicker(p.agent.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(p.agent.PollInterval)
	defer poll.Stop()

	p.Heartbeat(ctx)
	p.PollAndWake(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			p.Heartbeat(ctx)
		case <-poll.C:
			p.PollAndWake(ctx)
		}
	}
}

// RunOnce performs a single heartbeat + poll cycle and waits for any spawned
// wake to complete before returning.
func (p *Poller) RunOnce(ctx context.Context) {
	p.Heartbeat(ctx)
	p.PollAndWake(ctx)
	p.wakeWG.Wait()
}

// Heartbeat POSTs the agent's liveness to the server.
func (p *Poller) Heartbeat(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.agent.APIURL+"/api/agents/heartbeat", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.agent.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("heartbeat error", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("heartbeat failed", "status", resp.StatusCode)
		return
	}
	p.logger.Debug("heartbeat ok")
}

// PollAndWake fetches unread notifications and fires the wake mechanism if
// any are waiting and no wake is already in flight.
func (p *Poller) PollAndWake(ctx context.Context) {
	if p.waking.Load() {
		return
	}

	notifications, err := p.fetchUnread(ctx)
	if err != nil {
		p.logger.Warn("poll error", "error", err)
		return
	}
	if len(notifications) == 0 {
		return
	}

	p.logger.Info("waking agent", "notifications", len(notifications), "wake_mode", p.agent.WakeMode)
	summary := buildSummary(notifications)

	p.waking.Store(true)
	p.wakeWG.Add(1)
	go func() {
		defer p.wakeWG.Done()
		defer p.waking.Store(false)
		if err := p.waker.Wake(context.Background(), summary); err != nil {
			p.logger.Warn("wake failed", "error", err)
		}
	}()
}

func (p *Poller) fetchUnread(ctx context.Context) ([]notification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.agent.APIURL+"/api/agents/me/notifications?unread=true", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.agent.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll failed with HTTP %d", resp.StatusCode)
	}
	var notifications []notification
	if err := json.NewDecoder(resp.Body).Decode(&notifications); err != nil {
		return nil, fmt.Errorf("parse notifications: %w", err)
	}
	return notifications, nil
}

func buildSummary(notifications []notification) string {
	var b []byte
	for i, n := range notifications {
		if i > 0 {
			b = append(b, '\n')
		}
		line := fmt.Sprintf("%d. [%s] %s", i+1, n.EventType, n.Title)
		if n.Body != nil && *n.Body != "" {
			line += " — " + *n.Body
		}
		b = append(b, line...)
	}
	return string(b)
}
