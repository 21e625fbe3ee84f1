package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDoctorCommand_JSON(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")

	var stdout, stderr bytes.Buffer
	code := doctorCommand(context.Background(), []string{"-json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s %s", code, stdout.String(), stderr.String())
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) == 0 || diag.Results[0].Name != "Config" || diag.Results[0].Status != "PASS" {
		t.Fatalf("results = %+v", diag.Results)
	}
}

func TestDoctorCommand_TextReportsFailure(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("TURFBOT_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bot: chess\nbind_addr: \"127.0.0.1:0\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := doctorCommand(context.Background(), nil, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "[FAIL] Bot") {
		t.Fatalf("report:\n%s", stdout.String())
	}
}
