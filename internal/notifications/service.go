package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

const userAgent = "Loom-Go/0.1.0"

// Event identifies a pipeline milestone worth a push notification.
type Event string

const (
	EventJobCompleted Event = "job_completed"
	EventJobFailed    Event = "job_failed"
	EventDeadLettered Event = "dead_lettered"
	EventTest         Event = "test"
)

// Payload carries event fields such as jobID, variant, stage, kind or error.
type Payload map[string]any

// Service publishes pipeline events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventJobCompleted: cfg.Notifications.JobCompleted,
			EventJobFailed:    cfg.Notifications.JobFailed,
			EventDeadLettered: cfg.Notifications.JobFailed,
			EventTest:         true,
		},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, fields Payload) error {
	if n == nil || !n.enabled[event] {
		return nil
	}
	data, ok := format(event, fields)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func format(event Event, fields Payload) (payload, bool) {
	jobID := fields.str("jobID")
	switch event {
	case EventJobCompleted:
		message := fmt.Sprintf("✅ Video ready: %s", jobID)
		if location := fields.str("output"); location != "" {
			message = fmt.Sprintf("%s\nStored at: %s", message, location)
		}
		return payload{
			title:   "Loom - Job Complete",
			message: message,
			tags:    []string{"loom", "job", "completed"},
		}, true
	case EventJobFailed:
		var b strings.Builder
		fmt.Fprintf(&b, "❌ Job %s failed", jobID)
		if stage := fields.str("stage"); stage != "" {
			fmt.Fprintf(&b, " in %s", stage)
		}
		if kind := fields.str("kind"); kind != "" {
			fmt.Fprintf(&b, " (%s)", kind)
		}
		if msg := fields.str("error"); msg != "" {
			b.WriteString(": ")
			b.WriteString(msg)
		}
		return payload{
			title:    "Loom - Job Failed",
			message:  b.String(),
			tags:     []string{"loom", "job", "failed"},
			priority: "high",
		}, true
	case EventDeadLettered:
		return payload{
			title:   "Loom - Dead Letter",
			message: fmt.Sprintf("Message for job %s (%s) moved to the dead-letter channel", jobID, fields.str("stage")),
			tags:    []string{"loom", "queue", "dead-letter"},
		}, true
	case EventTest:
		return payload{
			title:    "Loom - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"loom", "test"},
			priority: "low",
		}, true
	}
	return payload{}, false
}

func (p Payload) str(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
