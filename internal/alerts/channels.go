package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LogChannel writes every alert to the structured log.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With("component", "alerts.log")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, ev *CloudEvent) error {
	c.logger.Warn("trust alert",
		"event_id", ev.ID,
		"type", ev.Type,
		"agent_id", ev.Subject,
		"tenant_id", ev.TenantID,
	)
	return nil
}

// WebhookChannel POSTs alerts to an HTTP endpoint, signing the body when a
// secret is configured.
type WebhookChannel struct {
	name       string
	url        string
	secret     string
	httpClient *http.Client
}

func NewWebhookChannel(name, url, secret string) *WebhookChannel {
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{
		name:       name,
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, ev *CloudEvent) error {
	payload, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	for k, v := range webhookHeaders(ev, payload, c.secret) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned %d", c.url, resp.StatusCode)
	}
	return nil
}

func webhookHeaders(ev *CloudEvent, payload []byte, secret string) map[string]string {
	h := map[string]string{
		"Content-Type":       "application/cloudevents+json",
		"X-Trust-Event-Type": ev.Type,
		"X-Trust-Event-ID":   ev.ID,
	}
	if secret != "" {
		h["X-Trust-Signature"] = "sha256=" + SignPayload(payload, secret)
	}
	return h
}

// SignPayload creates an HMAC-SHA256 signature for webhook verification.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header against payload.
func VerifySignature(payload []byte, secret, header string) bool {
	expected := "sha256=" + SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}

// RedisPublisher is the subset of a Redis client used by RedisChannel.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisChannel publishes alerts on a Redis Pub/Sub channel.
type RedisChannel struct {
	client  RedisPublisher
	channel string
}

func NewRedisChannel(client RedisPublisher, channel string) *RedisChannel {
	if channel == "" {
		channel = "trust:alerts"
	}
	return &RedisChannel{client: client, channel: channel}
}

func (c *RedisChannel) Name() string { return "redis" }

func (c *RedisChannel) Send(ctx context.Context, ev *CloudEvent) error {
	payload, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.client.Publish(ctx, c.channel, payload)
}
