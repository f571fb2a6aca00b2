package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

const userAgent = "Conveyor/0.3.0"

// Event identifies one pipeline milestone worth telling a human about.
type Event string

const (
	EventRequestComplete Event = "request-complete"
	EventRequestFailed   Event = "request-failed"
	EventEncoderOnline   Event = "encoder-online"
	EventEncoderOffline  Event = "encoder-offline"
	EventReview          Event = "review"
	EventTest            Event = "test"
)

// KnownEvent reports whether the name is a publishable event.
func KnownEvent(name string) bool {
	switch Event(name) {
	case EventRequestComplete, EventRequestFailed, EventEncoderOnline,
		EventEncoderOffline, EventReview, EventTest:
		return true
	}
	return false
}

// Payload carries event fields into the message formatter. Missing keys
// render as empty strings; formatters tolerate sparse payloads.
type Payload map[string]string

// Service publishes pipeline events. Implementations must be safe for
// concurrent use; suppressed and unconfigured events return nil.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when a topic is
// configured, and a no-op otherwise.
func NewService(cfg *config.Config) Service {
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
		gates: map[Event]bool{
			EventRequestComplete: cfg.Notifications.RequestComplete,
			EventRequestFailed:   cfg.Notifications.RequestFailed,
			EventEncoderOnline:   cfg.Notifications.EncoderEvents,
			EventEncoderOffline:  cfg.Notifications.EncoderEvents,
			EventReview:          cfg.Notifications.Review,
			EventTest:            true,
		},
	}
}

// Noop returns a service that swallows every event.
func Noop() Service { return noopService{} }

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	gates    map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	enabled, known := n.gates[event]
	if !known {
		return services.Wrap(services.ErrValidation, "notifications", "publish", fmt.Sprintf("unknown event %q", event), nil)
	}
	if !enabled {
		return nil
	}
	return n.send(ctx, format(event, payload))
}

// format renders the ntfy message for an event. Payload keys are
// event-specific: title, error, reason, encoder, capacity.
func format(event Event, p Payload) message {
	get := func(key string) string { return strings.TrimSpace(p[key]) }

	switch event {
	case EventRequestComplete:
		return message{
			title:    "Conveyor - Request Complete",
			body:     fmt.Sprintf("✅ Ready to watch: %s", get("title")),
			tags:     []string{"conveyor", "request", "completed"},
			priority: "high",
		}
	case EventRequestFailed:
		body := fmt.Sprintf("❌ Request failed: %s", get("title"))
		if reason := get("error"); reason != "" {
			body = fmt.Sprintf("%s\n%s", body, reason)
		}
		return message{
			title:    "Conveyor - Request Failed",
			body:     body,
			tags:     []string{"conveyor", "request", "failed"},
			priority: "high",
		}
	case EventEncoderOnline:
		body := fmt.Sprintf("Encoder %s connected", get("encoder"))
		if capacity := get("capacity"); capacity != "" {
			body = fmt.Sprintf("%s (capacity %s)", body, capacity)
		}
		return message{
			title: "Conveyor - Encoder Online",
			body:  body,
			tags:  []string{"conveyor", "encoder", "online"},
		}
	case EventEncoderOffline:
		body := fmt.Sprintf("Encoder %s disconnected", get("encoder"))
		if reason := get("reason"); reason != "" {
			body = fmt.Sprintf("%s: %s", body, reason)
		}
		return message{
			title: "Conveyor - Encoder Offline",
			body:  body,
			tags:  []string{"conveyor", "encoder", "offline"},
		}
	case EventReview:
		body := fmt.Sprintf("Needs review: %s", get("title"))
		if reason := get("reason"); reason != "" {
			body = fmt.Sprintf("%s\n%s", body, reason)
		}
		return message{
			title:    "Conveyor - Review Needed",
			body:     body,
			tags:     []string{"conveyor", "review"},
			priority: "high",
		}
	default: // EventTest
		return message{
			title:    "Conveyor - Test",
			body:     "Notification system test",
			tags:     []string{"conveyor", "test"},
			priority: "low",
		}
	}
}

func (n *ntfyService) send(ctx context.Context, m message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(m.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if m.title != "" {
		req.Header.Set("Title", m.title)
	}
	if len(m.tags) > 0 {
		req.Header.Set("Tags", strings.Join(m.tags, ","))
	}
	if m.priority != "" && m.priority != "default" {
		req.Header.Set("Priority", m.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrExternalService, "notifications", "publish", "ntfy request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return services.Wrap(services.ErrExternalService, "notifications", "publish", fmt.Sprintf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
