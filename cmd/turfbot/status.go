package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/turfbot/internal/config"
	"github.com/basket/turfbot/internal/persistence"
)

// healthReport mirrors the daemon's /healthz body.
type healthReport struct {
	Healthy           bool               `json:"healthy"`
	Bot               string             `json:"bot"`
	ActiveConnections int                `json:"active_connections"`
	JournalEnabled    bool               `json:"journal_enabled"`
	JournalOK         bool               `json:"journal_ok"`
	ConfigFingerprint string             `json:"config_fingerprint"`
	Journal           *persistence.Stats `json:"journal,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	return statusCommand(ctx, args, os.Stdout, os.Stderr)
}

func statusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "daemon address host:port (default: bind_addr from config)")
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	timeout := fs.Duration("timeout", 3*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: turfbot status [-addr host:port] [-json]")
		return 2
	}

	target := strings.TrimSpace(*addr)
	if target == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "config load: %v\n", err)
			return 1
		}
		target = cfg.BindAddr
	}

	reqCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	report, code, err := fetchHealth(reqCtx, "http://"+dialAddr(target)+"/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printHealth(stdout, report)
	}
	if code != http.StatusOK || !report.Healthy {
		return 1
	}
	return 0
}

func fetchHealth(ctx context.Context, url string) (healthReport, int, error) {
	var report healthReport
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return report, 0, fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return report, 0, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&report); err != nil {
		return report, resp.StatusCode, fmt.Errorf("decode /healthz (HTTP %d): %w", resp.StatusCode, err)
	}
	if report.Bot == "" {
		return report, resp.StatusCode, fmt.Errorf("/healthz (HTTP %d) is not a turfbot report", resp.StatusCode)
	}
	return report, resp.StatusCode, nil
}

func printHealth(w io.Writer, r healthReport) {
	state := "healthy"
	if !r.Healthy {
		state = "unhealthy"
	}
	fmt.Fprintf(w, "turfbot: %s\n", state)
	fmt.Fprintf(w, "  bot:          %s\n", r.Bot)
	fmt.Fprintf(w, "  connections:  %d\n", r.ActiveConnections)
	switch {
	case !r.JournalEnabled:
		fmt.Fprintln(w, "  journal:      disabled")
	case !r.JournalOK:
		fmt.Fprintln(w, "  journal:      unreachable")
	case r.Journal != nil:
		fmt.Fprintf(w, "  journal:      ok (sessions=%d finalized=%d connections=%d open=%d)\n",
			r.Journal.Sessions, r.Journal.FinalizedSessions, r.Journal.Connections, r.Journal.OpenConnections)
	default:
		fmt.Fprintln(w, "  journal:      ok")
	}
	if r.ConfigFingerprint != "" {
		fmt.Fprintf(w, "  config:       %s\n", r.ConfigFingerprint)
	}
}
