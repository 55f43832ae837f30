package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubChannel publishes alerts to a Google Cloud Pub/Sub topic for
// durable, cross-service delivery. Messages for one agent share an ordering key.
type PubSubChannel struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubChannel connects to projectID and creates topicID if missing.
func NewPubSubChannel(ctx context.Context, projectID, topicID string) (*PubSubChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}
	topic.EnableMessageOrdering = true

	slog.Info("Connected to Pub/Sub topic", "project_id", projectID, "topic_id", topicID)
	return &PubSubChannel{client: client, topic: topic}, nil
}

func (c *PubSubChannel) Name() string { return "pubsub" }

// Send publishes ev and waits for the server acknowledgement.
func (c *PubSubChannel) Send(ctx context.Context, ev *CloudEvent) error {
	msg, err := pubsubMessage(ev)
	if err != nil {
		return err
	}
	if _, err := c.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			c.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("pubsub publish %s: %w", ev.ID, err)
	}
	return nil
}

// pubsubMessage maps CloudEvents metadata onto message attributes for
// server-side filtering.
func pubsubMessage(ev *CloudEvent) (*pubsub.Message, error) {
	payload, err := ev.JSON()
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": ev.SpecVersion,
			"ce-type":        ev.Type,
			"ce-source":      ev.Source,
			"ce-id":          ev.ID,
			"ce-time":        ev.Time.Format(time.RFC3339Nano),
			"ce-subject":     ev.Subject,
			"ce-tenantid":    ev.TenantID,
		},
		OrderingKey: ev.Subject,
	}, nil
}

// Close flushes pending messages and closes the client.
func (c *PubSubChannel) Close() error {
	c.topic.Stop()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}
