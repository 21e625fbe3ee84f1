package otel_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/turfbot/internal/bot"
	"github.com/basket/turfbot/internal/bots/dummy"
	"github.com/basket/turfbot/internal/gateway"
	otelPkg "github.com/basket/turfbot/internal/otel"
	"github.com/basket/turfbot/internal/rpc"
	"github.com/basket/turfbot/internal/rpc/rpctest"
)

func tracedProvider(t *testing.T, cfg otelPkg.Config) (*otelPkg.Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	cfg.Enabled = true
	p, err := otelPkg.Init(context.Background(), cfg, otelPkg.WithSpanExporter(exp))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, exp
}

func newDummy(t *testing.T) *bot.Bot {
	t.Helper()
	b, err := dummy.New(nil)
	if err != nil {
		t.Fatalf("dummy: %v", err)
	}
	return b
}

func spanNamed(spans tracetest.SpanStubs, name string) (tracetest.SpanStub, bool) {
	for _, s := range spans {
		if s.Name == name {
			return s, true
		}
	}
	return tracetest.SpanStub{}, false
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

// waitSent polls tr until it has sent n replies and returns the last one.
func waitSent(t *testing.T, tr *rpctest.Transport, n int) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := tr.Sent(); len(sent) >= n {
			return sent[n-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for reply %d", n)
	return nil
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := otelPkg.Init(context.Background(), otelPkg.Config{Enabled: false, Exporter: "magic"})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider built an SDK tracer provider")
	}
	_, span := otelPkg.StartServerSpan(context.Background(), p.Tracer, "ws.connection")
	if span.IsRecording() {
		t.Fatal("noop tracer produced a recording span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		exporter string
		wantErr  bool
	}{
		{exporter: "none"},
		{exporter: "stdout"},
		{exporter: "otlp-http"},
		{exporter: "magic-pixie-dust", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.exporter, func(t *testing.T) {
			p, err := otelPkg.Init(context.Background(), otelPkg.Config{Enabled: true, Exporter: tc.exporter})
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "unknown exporter") {
					t.Fatalf("err = %v, want unknown exporter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("init: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		})
	}
}

func TestRPCSpans_CarryMethodSessionAndOutcome(t *testing.T) {
	p, exp := tracedProvider(t, otelPkg.Config{Bot: dummy.Name, Version: "v-test", SampleRate: 7})

	tr := rpctest.New(4)
	ep := bot.NewEndpoint(newDummy(t), tr, bot.WithRPCOptions(rpc.WithTracer(p.Tracer)))
	done := make(chan error, 1)
	go func() { done <- ep.Run(context.Background()) }()

	tr.Push(`{"jsonrpc":"2.0","id":1,"method":"create_session","params":{"deck":[1]}}`)
	var created struct {
		Result bot.CreateSessionResult `json:"result"`
	}
	if err := json.Unmarshal(waitSent(t, tr, 1), &created); err != nil {
		t.Fatalf("decode create reply: %v", err)
	}
	tr.Push(`{"jsonrpc":"2.0","id":2,"method":"session_query","params":{"session":"` + created.Result.Session + `","params":{}}}`)
	waitSent(t, tr, 2)
	tr.Push(`{"jsonrpc":"2.0","id":3,"method":"session_query","params":{"session":"nonexistent","params":{}}}`)
	tr.Push(`{"jsonrpc":"2.0","id":4,"method":"_on_msg"}`)
	waitSent(t, tr, 4)
	tr.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("spans = %d, want 4", len(spans))
	}
	for _, s := range spans {
		if s.SpanKind != trace.SpanKindServer {
			t.Fatalf("%s kind = %v", s.Name, s.SpanKind)
		}
		if b, _ := attrValue(s.Resource.Attributes(), otelPkg.AttrBot); b != dummy.Name {
			t.Fatalf("%s resource bot = %q", s.Name, b)
		}
		if v, _ := attrValue(s.Resource.Attributes(), "service.version"); v != "v-test" {
			t.Fatalf("%s resource version = %q", s.Name, v)
		}
	}

	create, ok := spanNamed(spans, "rpc create_session")
	if !ok || create.Status.Code == codes.Error {
		t.Fatalf("create_session span = %+v", create)
	}
	if m, _ := attrValue(create.Attributes, otelPkg.AttrMethod); m != "create_session" {
		t.Fatalf("create_session method attr = %q", m)
	}

	okQuery, failQuery := spans[1], spans[2]
	if okQuery.Name != "rpc session_query" || okQuery.Status.Code == codes.Error {
		t.Fatalf("first query span = %+v", okQuery)
	}
	if sid, _ := attrValue(okQuery.Attributes, otelPkg.AttrSessionID); sid != created.Result.Session {
		t.Fatalf("query session attr = %q, want %q", sid, created.Result.Session)
	}
	if failQuery.Status.Code != codes.Error {
		t.Fatalf("unknown-session query status = %+v", failQuery.Status)
	}
	if sid, _ := attrValue(failQuery.Attributes, otelPkg.AttrSessionID); sid != "nonexistent" {
		t.Fatalf("failed query session attr = %q", sid)
	}

	private, ok := spanNamed(spans, "rpc _on_msg")
	if !ok || private.Status.Code != codes.Error || private.Status.Description != "method not found" {
		t.Fatalf("private method span = %+v", private)
	}
}

func TestConnectionSpan_ParentsRequestSpans(t *testing.T) {
	p, exp := tracedProvider(t, otelPkg.Config{})

	gw := gateway.New(gateway.Config{Bot: newDummy(t), Tracer: p.Tracer})
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/match", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "get_bot_info"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply map[string]any
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	gw.Close()

	spans := exp.GetSpans()
	wsSpan, ok := spanNamed(spans, "ws.connection")
	if !ok {
		t.Fatalf("no ws.connection span in %d spans", len(spans))
	}
	if id, _ := attrValue(wsSpan.Attributes, otelPkg.AttrConnID); id == "" {
		t.Fatal("ws.connection span has no connection id")
	}
	if b, _ := attrValue(wsSpan.Attributes, otelPkg.AttrBot); b != dummy.Name {
		t.Fatalf("ws.connection bot attr = %q", b)
	}

	info, ok := spanNamed(spans, "rpc get_bot_info")
	if !ok {
		t.Fatal("no rpc get_bot_info span")
	}
	if info.Parent.SpanID() != wsSpan.SpanContext.SpanID() || info.SpanContext.TraceID() != wsSpan.SpanContext.TraceID() {
		t.Fatal("request span is not a child of its connection span")
	}
}
