package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"loom/internal/config"
	"loom/internal/orchestrator"
	"loom/internal/status"
	"loom/internal/testsupport"
)

func writeTestConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setupConfig(t *testing.T) string {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Render.Command = "sh"
	return writeTestConfig(t, cfg)
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestSubmitThenStatus(t *testing.T) {
	configPath := setupConfig(t)

	out, err := runCLI(t, configPath, "--json", "submit", "Explain", "entropy", "--variant", "quick")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var sub orchestrator.Submission
	if err := json.Unmarshal([]byte(out), &sub); err != nil {
		t.Fatalf("decode submission %q: %v", out, err)
	}
	if sub.JobID == "" || sub.Status != "script" || sub.Variant != "quick" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	out, err = runCLI(t, configPath, "status", sub.JobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{sub.JobID, "Status:   script", "Progress: 0%", "Explain entropy", "Script:", "Upload:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, configPath, "--json", "status", sub.JobID)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var view status.JobView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.JobID != sub.JobID || len(view.Stages) != 4 {
		t.Fatalf("unexpected view %+v", view)
	}

	out, err = runCLI(t, configPath, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(out, sub.JobID) {
		t.Fatalf("jobs list missing job:\n%s", out)
	}

	out, err = runCLI(t, configPath, "jobs", "list", "--status", "COMPLETED")
	if err != nil {
		t.Fatalf("jobs list --status: %v", err)
	}
	if !strings.Contains(out, "No jobs") {
		t.Fatalf("expected no completed jobs:\n%s", out)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	configPath := setupConfig(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"blank prompt", []string{"submit", "   "}, "prompt"},
		{"unknown variant", []string{"submit", "x", "--variant", "nope"}, "variant"},
		{"unknown voice", []string{"submit", "x", "--voice", "Robot"}, "voice"},
	}
	for _, tc := range tests {
		_, err := runCLI(t, configPath, tc.args...)
		if err == nil || !strings.Contains(err.Error(), "submission rejected") || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}

	out, err := runCLI(t, configPath, "--json", "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("rejected submissions must not create jobs, got %s", out)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	configPath := setupConfig(t)
	_, err := runCLI(t, configPath, "status", "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestDiagnosticCommands(t *testing.T) {
	configPath := setupConfig(t)
	if _, err := runCLI(t, configPath, "submit", "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"variants"}, []string{"standard (default)", "quick", "full", "upload", "90-100%"}},
		{[]string{"queue", "stats"}, []string{"jobs total", "messages ready", "status explain"}},
		{[]string{"dlq", "list"}, []string{"Dead-letter channel is empty"}},
		{[]string{"dlq", "purge"}, []string{"Purged 0 dead letters"}},
		{[]string{"jobs", "purge"}, []string{"Purged 0 terminal jobs"}},
	}
	for _, tc := range tests {
		out, err := runCLI(t, configPath, tc.args...)
		if err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		for _, want := range tc.want {
			if !strings.Contains(out, want) {
				t.Fatalf("%v: output missing %q:\n%s", tc.args, want, out)
			}
		}
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "config.toml")

	out, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("unexpected init output %q", out)
	}
	if _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}
	if _, err := runCLI(t, "", "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}

	configPath := setupConfig(t)
	out, err = runCLI(t, configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	for _, want := range []string{configPath, "Data directory:", "Renderer:", "SQLite:", "Configuration valid"} {
		if !strings.Contains(out, want) {
			t.Fatalf("validate output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigValidateReportsFailedChecks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Render.Command = "loom-missing-renderer"
	configPath := writeTestConfig(t, cfg)

	out, err := runCLI(t, configPath, "config", "validate")
	if err == nil {
		t.Fatal("expected validate to fail")
	}
	if !strings.Contains(out, "[ERROR] loom-missing-renderer not found on PATH") {
		t.Fatalf("expected renderer failure line:\n%s", out)
	}
}
