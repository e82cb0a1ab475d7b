package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption customizes the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config rooted in a per-test temp directory. Workers
// poll quickly and back off in milliseconds so pipeline tests finish fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Worker.PollInterval = 1
	cfgVal.Worker.BackoffInitialMS = 1
	cfgVal.Worker.BackoffMaxMS = 5
	cfgVal.Notifications.NtfyTopic = ""
	cfgVal.Logging.Format = "json"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithVariant installs variant as the only pipeline variant and makes it the default.
func WithVariant(variant config.Variant) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Variants = []config.Variant{variant}
		b.cfg.Pipeline.DefaultVariant = variant.Name
	}
}

// WithABCVariant installs the three-stage A(0-40) B(40-90) C(90-100) variant.
func WithABCVariant(maxAttempts int) ConfigOption {
	kinds := []string{"transient", "timeout"}
	return WithVariant(config.Variant{
		Name: "abc",
		Stages: []config.StageSpec{
			{Name: "A", ProgressHigh: 40, MaxAttempts: maxAttempts, RetryableKinds: kinds},
			{Name: "B", ProgressHigh: 90, MaxAttempts: maxAttempts, RetryableKinds: kinds},
			{Name: "C", ProgressHigh: 100, MaxAttempts: maxAttempts, RetryableKinds: kinds},
		},
	})
}

// WithStubbedBinaries writes executable shell scripts named after the keys of
// scripts and prepends their directory to PATH for the duration of the test.
func WithStubbedBinaries(scripts map[string]string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		for name, body := range scripts {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
