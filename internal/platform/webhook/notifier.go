// Package webhook delivers signed claim events to an external monitoring
// endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ehr/claimflow/internal/platform/httpclient"
)

// Delivery statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

const maxDeliveryLog = 500

// Event is the JSON body posted to the endpoint.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeliveryAttempt records one delivery of an event.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Config points the notifier at one endpoint.
type Config struct {
	URL    string
	Secret string
	// Events are subscription patterns: exact ("claim.denied"), prefix
	// ("claim.*") or suffix ("*.failed"). Empty means every event.
	Events     []string
	Timeout    time.Duration
	MaxRetries int
}

// Notifier signs events with HMAC-SHA256 and posts them to the configured
// URL. A Notifier without a URL accepts and drops every event.
type Notifier struct {
	cfg    Config
	client *retryablehttp.Client
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	deliveries []*DeliveryAttempt
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

func NewNotifier(cfg Config, logger zerolog.Logger) (*Notifier, error) {
	if cfg.URL != "" {
		if err := ValidateURL(cfg.URL); err != nil {
			return nil, err
		}
		if cfg.Secret == "" {
			return nil, fmt.Errorf("webhook secret is required when a url is set")
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "webhook").Logger()
	return &Notifier{
		cfg:    cfg,
		client: httpclient.New(httpclient.Options{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries}, logger),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Enabled reports whether events are actually delivered.
func (n *Notifier) Enabled() bool { return n.cfg.URL != "" }

// Notify posts one event. Unsubscribed events and a disabled notifier are
// no-ops.
func (n *Notifier) Notify(ctx context.Context, eventType, resourceID string, payload interface{}) error {
	if !n.Enabled() || !n.subscribed(eventType) {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := Event{ID: uuid.NewString(), Type: eventType, ResourceID: resourceID, Payload: raw, Timestamp: n.now().UTC()}
	attempt := n.deliver(ctx, ev)
	if attempt.Status != DeliverySuccess {
		return fmt.Errorf("deliver %s: %s", eventType, attempt.Error)
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, ev Event) *DeliveryAttempt {
	attempt := &DeliveryAttempt{ID: uuid.NewString(), EventID: ev.ID, EventType: ev.Type, CreatedAt: n.now().UTC()}
	defer n.record(attempt)

	body, err := json.Marshal(ev)
	if err != nil {
		attempt.Status, attempt.Error = DeliveryFailed, err.Error()
		return attempt
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		attempt.Status, attempt.Error = DeliveryFailed, err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(body, n.cfg.Secret))
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Timestamp", ev.Timestamp.Format(time.RFC3339))

	start := time.Now()
	resp, err := n.client.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status, attempt.Error = DeliveryFailed, err.Error()
		return attempt
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	attempt.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = DeliverySuccess
		return attempt
	}
	attempt.Status = DeliveryFailed
	attempt.Error = fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)
	return attempt
}

func (n *Notifier) record(a *DeliveryAttempt) {
	n.mu.Lock()
	n.deliveries = append(n.deliveries, a)
	if len(n.deliveries) > maxDeliveryLog {
		n.deliveries = n.deliveries[len(n.deliveries)-maxDeliveryLog:]
	}
	n.mu.Unlock()

	if a.Status != DeliverySuccess {
		n.logger.Warn().Str("event", a.EventType).Int("status_code", a.StatusCode).Str("error", a.Error).Msg("webhook delivery failed")
		return
	}
	n.logger.Debug().Str("event", a.EventType).Dur("duration", a.Duration).Msg("webhook delivered")
}

// Deliveries returns the most recent delivery attempts, oldest first.
func (n *Notifier) Deliveries() []DeliveryAttempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryAttempt, len(n.deliveries))
	for i, d := range n.deliveries {
		out[i] = *d
	}
	return out
}

func (n *Notifier) subscribed(eventType string) bool {
	if len(n.cfg.Events) == 0 {
		return true
	}
	for _, p := range n.cfg.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// eventMatches matches exact patterns, "*.suffix" and "prefix.*".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == eventType, pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}
