// Package doctor runs local diagnostic checks against a turfbot install.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/turfbot/internal/bots"
	"github.com/basket/turfbot/internal/config"
	"github.com/basket/turfbot/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. cfg is nil when loading failed with
// loadErr.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	for _, check := range []func(context.Context, *config.Config) CheckResult{
		checkBot,
		checkJournal,
		checkPermissions,
		checkListener,
		checkTelemetry,
	} {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: loadErr.Error()}
	}
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Defaults in use (no config.yaml in %s)", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkBot(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bot", Status: StatusSkip, Message: "Config missing"}
	}
	b, err := bots.Lookup(cfg.Bot, nil)
	if err != nil {
		return CheckResult{Name: "Bot", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Bot", Status: StatusPass, Message: fmt.Sprintf("%q serves %s", cfg.Bot, b.Name())}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Journal disabled"}
	}
	store, err := persistence.Open(cfg.JournalPath())
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Journal",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("connections=%d sessions=%d path=%s", st.Connections, st.Sessions, cfg.JournalPath()),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkListener tries to bind the configured address. A port in use usually
// means the daemon is already running, so that is only a warning.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use") {
			return CheckResult{Name: "Listener", Status: StatusWarn, Message: fmt.Sprintf("%s already in use (daemon running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Listener", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Telemetry.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Telemetry disabled"}
	}
	switch cfg.Telemetry.Exporter {
	case "", "otlp-http":
		if cfg.Telemetry.Endpoint == "" {
			return CheckResult{Name: "Telemetry", Status: StatusWarn, Message: "otlp-http exporter without endpoint; using localhost:4318"}
		}
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: "otlp-http to " + cfg.Telemetry.Endpoint}
	case "stdout", "none":
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: "exporter " + cfg.Telemetry.Exporter}
	default:
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: fmt.Sprintf("unknown exporter %q", cfg.Telemetry.Exporter)}
	}
}
