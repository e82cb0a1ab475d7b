package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"loom/internal/fileutil"
	"loom/internal/services"
)

// Store publishes rendered artifacts under output_dir/<job_id>/.
type Store struct {
	root string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("output directory required")
	}
	return &Store{root: dir}, nil
}

// Root returns the output directory.
func (s *Store) Root() string {
	return s.root
}

// Put copies src into the job's directory and returns the stored location.
// Repeating Put for the same job and file is harmless: an identical copy is
// left in place.
func (s *Store) Put(ctx context.Context, jobID, src string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", services.Wrap(services.ErrFatal, "", "upload", fmt.Sprintf("invalid job id %q", jobID), nil)
	}
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", services.Wrap(services.ErrFatal, "", "upload", "rendered artifact missing", err)
		}
		return "", services.Wrap(services.ErrTransient, "", "upload", "stat artifact", err)
	}
	if info.IsDir() {
		return "", services.Wrap(services.ErrFatal, "", "upload", "artifact is a directory", nil)
	}

	dst := filepath.Join(s.root, jobID, filepath.Base(src))
	if fileutil.SameContent(src, dst) {
		return dst, nil
	}
	if _, err := fileutil.CopyVerified(src, dst); err != nil {
		return "", services.Wrap(services.ErrTransient, "", "upload", "copy artifact", err)
	}
	return dst, nil
}

// HealthCheck verifies the output directory exists and is writable.
func (s *Store) HealthCheck(context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := unix.Access(s.root, unix.W_OK); err != nil {
		return fmt.Errorf("output dir %s not writable: %w", s.root, err)
	}
	return nil
}
