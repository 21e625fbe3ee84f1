package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/turfbot/internal/bots/dummy"
	"github.com/basket/turfbot/internal/gateway"
	"github.com/basket/turfbot/internal/persistence"
)

func startJournaledGateway(t *testing.T, store *persistence.Store) *httptest.Server {
	t.Helper()
	b, err := dummy.New(nil)
	if err != nil {
		t.Fatalf("dummy: %v", err)
	}
	gw := gateway.New(gateway.Config{Bot: b, Store: store, ConfigFingerprint: "fp-test"})
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.Close()
		ts.Close()
	})
	return ts
}

func openStatusStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "turfbot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// connectHost opens a websocket and completes one get_bot_info round trip so
// the gateway has registered the connection.
func connectHost(t *testing.T, ts *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	if err := wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "get_bot_info"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply map[string]any
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestStatusCommand_BadArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := statusCommand(context.Background(), []string{"extra"}, &stdout, &stderr); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
	if code := statusCommand(context.Background(), []string{"-nope"}, &stdout, &stderr); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestStatusCommand_ReportsBotAndJournal(t *testing.T) {
	store := openStatusStore(t)
	ts := startJournaledGateway(t, store)
	connectHost(t, ts)

	var stdout, stderr bytes.Buffer
	code := statusCommand(context.Background(), []string{"-addr", ts.Listener.Addr().String()}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{
		"turfbot: healthy",
		"bot:          PyDummy",
		"connections:  1",
		"journal:      ok (",
		"config:       fp-test",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_JSON(t *testing.T) {
	ts := startDummyGateway(t)
	setTestConfig(t, ts.Listener.Addr().String())

	var stdout, stderr bytes.Buffer
	if code := statusCommand(context.Background(), []string{"-json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d, stderr: %s", code, stderr.String())
	}
	var report healthReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	if !report.Healthy || report.Bot != dummy.Name || report.ActiveConnections != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.JournalEnabled || !report.JournalOK || report.Journal != nil {
		t.Fatalf("journal fields = %+v", report)
	}
}

func TestStatusCommand_JournalUnreachable(t *testing.T) {
	store := openStatusStore(t)
	ts := startJournaledGateway(t, store)
	_ = store.Close()

	var stdout, stderr bytes.Buffer
	code := statusCommand(context.Background(), []string{"-addr", ts.Listener.Addr().String()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	out := stdout.String()
	if !strings.Contains(out, "turfbot: unhealthy") || !strings.Contains(out, "journal:      unreachable") {
		t.Fatalf("output:\n%s", out)
	}
}

func TestStatusCommand_NotATurfbotServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}))
	defer ts.Close()

	var stdout, stderr bytes.Buffer
	code := statusCommand(context.Background(), []string{"-addr", ts.Listener.Addr().String()}, &stdout, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "not a turfbot report") {
		t.Fatalf("exit %d, stderr: %s", code, stderr.String())
	}
}

func TestStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	var stdout, stderr bytes.Buffer
	if code := statusCommand(context.Background(), nil, &stdout, &stderr); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestStatusCommand_CancelledContext(t *testing.T) {
	ts := startDummyGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	if code := statusCommand(ctx, []string{"-addr", ts.Listener.Addr().String()}, &stdout, &stderr); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets TURFBOT_HOME.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("TURFBOT_HOME", home)
	yaml := `bind_addr: "` + addr + `"`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
