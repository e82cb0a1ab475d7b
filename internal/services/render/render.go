package render

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"loom/internal/services"
)

const (
	scriptName = "scene.py"
	tailLines  = 3
)

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(string)) error
}

// Config describes how the renderer is invoked. Args may reference
// {workdir}, {script}, {scene}, {output_name} and {quality}.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
	Quality string
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor.
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client runs the external render command.
type Client struct {
	cfg  Config
	exec Executor
}

// New constructs a render client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Command == "" {
		return nil, errors.New("render command required")
	}
	client := &Client{cfg: cfg, exec: commandExecutor{}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Job is one render invocation.
type Job struct {
	ID      string
	Script  string
	Scene   string
	WorkDir string
}

// Render writes the script into the job's work directory, runs the render
// command and returns the path of the produced video. progress receives
// percentages parsed from the command's output.
func (c *Client) Render(ctx context.Context, job Job, progress func(int)) (string, error) {
	if strings.TrimSpace(job.Script) == "" {
		return "", services.Wrap(services.ErrFatal, "", "render", "empty script", nil)
	}
	if job.WorkDir == "" {
		return "", services.Wrap(services.ErrConfiguration, "", "render", "work directory required", nil)
	}
	if err := os.RemoveAll(job.WorkDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", services.Wrap(services.ErrTransient, "", "render", "prepare work directory", err)
	}
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return "", services.Wrap(services.ErrTransient, "", "render", "create work directory", err)
	}
	scriptPath := filepath.Join(job.WorkDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(job.Script), 0o644); err != nil {
		return "", services.Wrap(services.ErrTransient, "", "render", "write script", err)
	}

	outputName := outputBaseName(job.ID)
	args := c.expandArgs(job.WorkDir, scriptPath, job.Scene, outputName)

	runCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	tail := newTail(tailLines)
	last := -1
	err := c.exec.Run(runCtx, c.cfg.Command, args, func(line string) {
		tail.add(line)
		if progress == nil {
			return
		}
		if pct, ok := parsePercent(line); ok && pct != last {
			last = pct
			progress(pct)
		}
	})
	if err != nil {
		return "", c.classify(ctx, runCtx, err, tail.String())
	}

	video, err := findVideo(job.WorkDir, outputName)
	if err != nil {
		return "", err
	}
	return video, nil
}

// HealthCheck verifies the render command is on PATH.
func (c *Client) HealthCheck(context.Context) error {
	if _, err := exec.LookPath(c.cfg.Command); err != nil {
		return fmt.Errorf("render command %q: %w", c.cfg.Command, err)
	}
	return nil
}

func (c *Client) expandArgs(workDir, script, scene, outputName string) []string {
	replacer := strings.NewReplacer(
		"{workdir}", workDir,
		"{script}", script,
		"{scene}", scene,
		"{output_name}", outputName,
		"{quality}", c.cfg.Quality,
	)
	args := make([]string, 0, len(c.cfg.Args))
	for _, arg := range c.cfg.Args {
		args = append(args, replacer.Replace(arg))
	}
	return args
}

func (c *Client) classify(parent, runCtx context.Context, err error, tail string) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "", "render", fmt.Sprintf("exceeded %s", c.cfg.Timeout), err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrConfiguration, "", "render", fmt.Sprintf("command %q not found", c.cfg.Command), err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := fmt.Sprintf("exit status %d", exitErr.ExitCode())
		if tail != "" {
			msg += ": " + tail
		}
		return services.Wrap(services.ErrExternalTool, "", "render", msg, nil)
	}
	return services.Wrap(services.ErrTransient, "", "render", "", err)
}

func findVideo(workDir, outputName string) (string, error) {
	var exact, newest string
	var newestMod time.Time
	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return nil
		}
		if strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())) == outputName {
			exact = path
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "", "render", "scan output", err)
	}
	if exact != "" {
		return exact, nil
	}
	if newest != "" {
		return newest, nil
	}
	return "", services.Wrap(services.ErrExternalTool, "", "render", "no video produced", nil)
}

func outputBaseName(jobID string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	name := strings.TrimSpace(replacer.Replace(jobID))
	if name == "" {
		name = "video"
	}
	return name
}

func parsePercent(line string) (int, bool) {
	match := percentPattern.FindStringSubmatch(line)
	if len(match) != 2 {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil || value > 100 {
		return 0, false
	}
	return value, true
}

type tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine == nil {
				continue
			}
			mu.Lock()
			onLine(scanner.Text())
			mu.Unlock()
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
