package bridge_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stefanodecillis/opengate/internal/bridge"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.toml", `
[server]
url = "http://localhost:8080/"
heartbeat_interval = 120

[[agents]]
name = "alpha"
api_key_file = "/tmp/alpha.key"
wake_mode = "stdout"

[[agents]]
name = "beta"
api_key_file = "/tmp/beta.key"
wake_mode = "webhook"
webhook_url = "http://localhost:9000/wake"

[[agents]]
name = "gamma"
api_key_file = "/tmp/gamma.key"
wake_mode = "openclaw"
openclaw_id = "gamma-claw"
`)

	cfg, err := bridge.LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.URL != "http://localhost:8080/" {
		t.Fatalf("url = %s", cfg.Server.URL)
	}
	if cfg.Server.HeartbeatInterval != 120 {
		t.Fatalf("heartbeat_interval = %d", cfg.Server.HeartbeatInterval)
	}
	// poll_interval defaults.
	if cfg.Server.PollInterval != 60 {
		t.Fatalf("poll_interval = %d", cfg.Server.PollInterval)
	}
	if len(cfg.Agents) != 3 || cfg.Agents[1].WakeMode != bridge.WakeWebhook {
		t.Fatalf("agents = %+v", cfg.Agents)
	}
	if cfg.Agents[2].WakeMode != bridge.WakeOpenclaw || cfg.Agents[2].OpenclawID != "gamma-claw" {
		t.Fatalf("openclaw agent = %+v", cfg.Agents[2])
	}
}

func TestLoadConfigRejectsEmptyAgents(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.toml", "[server]\nurl = \"http://localhost\"\n")
	if _, err := bridge.LoadConfig(path); err == nil {
		t.Fatal("config without agents should be rejected")
	}
}

func TestResolveValidatesWakeConfig(t *testing.T) {
	dir := t.TempDir()
	keyFile := writeFile(t, dir, "alpha.key", "og_testkey123\n")
	server := bridge.ServerConfig{URL: "http://localhost:8080/", HeartbeatInterval: 300, PollInterval: 60}

	agent := bridge.AgentConfig{Name: "alpha", APIKeyFile: keyFile}
	resolved, err := agent.Resolve(server)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.APIKey != "og_testkey123" {
		t.Fatalf("key = %q", resolved.APIKey)
	}
	if resolved.APIURL != "http://localhost:8080" {
		t.Fatalf("trailing slash kept: %q", resolved.APIURL)
	}
	if resolved.WakeMode != bridge.WakeStdout {
		t.Fatalf("default wake mode = %s", resolved.WakeMode)
	}

	// Empty key file.
	emptyKey := writeFile(t, dir, "empty.key", "  \n")
	bad := bridge.AgentConfig{Name: "e", APIKeyFile: emptyKey}
	if _, err := bad.Resolve(server); err == nil {
		t.Fatal("empty key should be rejected")
	}

	// Webhook mode without URL.
	bad = bridge.AgentConfig{Name: "w", APIKeyFile: keyFile, WakeMode: bridge.WakeWebhook}
	if _, err := bad.Resolve(server); err == nil {
		t.Fatal("webhook wake without url should be rejected")
	}

	// Command mode without command.
	bad = bridge.AgentConfig{Name: "c", APIKeyFile: keyFile, WakeMode: bridge.WakeCommand}
	if _, err := bad.Resolve(server); err == nil {
		t.Fatal("command wake without command should be rejected")
	}

	// Openclaw mode without openclaw_id.
	bad = bridge.AgentConfig{Name: "o", APIKeyFile: keyFile, WakeMode: bridge.WakeOpenclaw}
	if _, err := bad.Resolve(server); err == nil {
		t.Fatal("openclaw wake without openclaw_id should be rejected")
	}
	ok := bridge.AgentConfig{Name: "o", APIKeyFile: keyFile, WakeMode: bridge.WakeOpenclaw, OpenclawID: "o-claw"}
	resolvedClaw, err := ok.Resolve(server)
	if err != nil {
		t.Fatalf("openclaw resolve: %v", err)
	}
	if resolvedClaw.OpenclawID != "o-claw" {
		t.Fatalf("openclaw id = %q", resolvedClaw.OpenclawID)
	}

	// Unknown mode.
	bad = bridge.AgentConfig{Name: "x", APIKeyFile: keyFile, WakeMode: "carrier-pigeon"}
	if _, err := bad.Resolve(server); err == nil {
		t.Fatal("unknown wake mode should be rejected")
	}
}

func TestOpenclawWakerInvokesCLI(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	stub := writeFile(t, dir, "fake-openclaw", "#!/bin/sh\nprintf '%s\\n' \"$@\" > "+argsFile+"\n")
	if err := os.Chmod(stub, 0o755); err != nil {
		t.Fatal(err)
	}

	waker := bridge.NewOpenclawWakerForTest("gamma-claw", stub)
	if err := waker.Wake(context.Background(), "1. [task.assigned] Assigned: deploy"); err != nil {
		t.Fatalf("wake: %v", err)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	got := string(data)
	for _, want := range []string{"agent", "--agent", "gamma-claw", "--message", "OpenGate: 1. [task.assigned] Assigned: deploy"} {
		if !strings.Contains(got, want) {
			t.Fatalf("cli args missing %q: %s", want, got)
		}
	}
}

type recordingWaker struct {
	calls   atomic.Int64
	summary atomic.Value
}

func (w *recordingWaker) Wake(_ context.Context, summary string) error {
	w.calls.Add(1)
	w.summary.Store(summary)
	return nil
}

func bridgeServer(t *testing.T, notificationsJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/agents/me/notifications", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(notificationsJSON))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func testAgent(t *testing.T, serverURL string) *bridge.ResolvedAgent {
	t.Helper()
	keyFile := writeFile(t, t.TempDir(), "a.key", "og_key\n")
	agent := bridge.AgentConfig{Name: "alpha", APIKeyFile: keyFile}
	resolved, err := agent.Resolve(bridge.ServerConfig{URL: serverURL, HeartbeatInterval: 300, PollInterval: 60})
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RunOnce waits for the spawned wake instead of sleeping, so the recorded
// summary is visible immediately after it returns.
func TestRunOnceWakesAndWaits(t *testing.T) {
	server := bridgeServer(t, `[
		{"event_type": "task.assigned", "title": "Assigned: deploy", "body": "Someone assigned you this task."},
		{"event_type": "task.unblocked", "title": "Unblocked: backfill", "body": null}
	]`)
	agent := testAgent(t, server.URL)
	waker := &recordingWaker{}

	bridge.NewPoller(agent, quietLogger(), waker).RunOnce(context.Background())

	if waker.calls.Load() != 1 {
		t.Fatalf("wake calls = %d", waker.calls.Load())
	}
	summary, _ := waker.summary.Load().(string)
	if !strings.Contains(summary, "1. [task.assigned] Assigned: deploy — Someone assigned you this task.") {
		t.Fatalf("summary = %q", summary)
	}
	if !strings.Contains(summary, "2. [task.unblocked] Unblocked: backfill") {
		t.Fatalf("summary = %q", summary)
	}
}

func TestNoWakeWhenInboxEmpty(t *testing.T) {
	server := bridgeServer(t, `[]`)
	agent := testAgent(t, server.URL)
	waker := &recordingWaker{}

	bridge.NewPoller(agent, quietLogger(), waker).RunOnce(context.Background())

	if waker.calls.Load() != 0 {
		t.Fatalf("wake fired on empty inbox: %d", waker.calls.Load())
	}
}

func TestPollSkippedWhileWakeInFlight(t *testing.T) {
	server := bridgeServer(t, `[{"event_type": "task.assigned", "title": "T", "body": null}]`)
	agent := testAgent(t, server.URL)

	slowWaker := &blockingWaker{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	poller := bridge.NewPoller(agent, quietLogger(), slowWaker)

	ctx := context.Background()
	poller.PollAndWake(ctx)
	<-slowWaker.started     // the first wake is definitely in flight
	poller.PollAndWake(ctx) // must be skipped
	if got := slowWaker.calls.Load(); got != 1 {
		t.Fatalf("wake calls = %d, want 1 (overlapping wake not skipped)", got)
	}
	close(slowWaker.release)
	poller.RunOnce(ctx) // drains the outstanding wake before returning
}

type blockingWaker struct {
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
}

func (w *blockingWaker) Wake(_ context.Context, _ string) error {
	if w.calls.Add(1) == 1 {
		close(w.started)
	}
	<-w.release
	return nil
}
