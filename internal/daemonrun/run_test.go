package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/testsupport"
)

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	for _, workerOnly := range []bool{false, true} {
		cfg := testsupport.NewConfig(t)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := Run(ctx, cfg, Options{LogLevel: "error", WorkerOnly: workerOnly})
		cancel()
		if err != nil {
			t.Fatalf("workerOnly=%v: Run returned %v", workerOnly, err)
		}
		if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "loom.log")); err != nil {
			t.Fatalf("workerOnly=%v: expected loom.log: %v", workerOnly, err)
		}
	}
}

func TestBinaryAvailable(t *testing.T) {
	if !binaryAvailable("sh") {
		t.Fatal("expected sh to be available")
	}
	if binaryAvailable("") || binaryAvailable("loom-not-a-binary") {
		t.Fatal("expected missing binaries to be unavailable")
	}
}
