package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEventBus wraps the in-memory EventBus and also publishes every event
// to a Google Cloud Pub/Sub topic for durable, cross-process delivery —
// for a run split across multiple hosts, each host's monitor subscribes to
// the topic to see the whole run's GVT advances and clone transfers, not
// just its own PEs'.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to other hosts' monitors
//   - In-memory: immediate push to this host's SSE /events/stream subscribers
//
// Usage:
//
//	bus, err := events.NewPubSubEventBus("my-project", "pdes-run-events")
//	bus.Emit(events.EventGVTAdvance, "pe-3", "run-a1b2", data)
//	defer bus.Close()
type PubSubEventBus struct {
	*EventBus // embedded — SSE subscribers, Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubEventBus creates a Pub/Sub-backed event bus.
// It creates the topic if it does not exist.
func NewPubSubEventBus(projectID, topicID string) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	// Check if topic exists; create if not
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
		slog.Info("events: created pub/sub topic", "topic_id", topicID)
	}

	// Enable message ordering by key (per-PE ordering)
	topic.EnableMessageOrdering = true

	bus := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   slog.With("component", "events.pubsub"),
	}

	bus.logger.Info("connected to pub/sub topic", "project_id", projectID, "topic_id", topicID)
	return bus, nil
}

// Emit creates a CloudEvent, publishes it to Pub/Sub, and fans out to
// in-memory subscribers (the monitor's SSE /events/stream).
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)

	// 1. Publish to Cloud Pub/Sub (durable)
	pb.publishToPubSub(event)

	// 2. Fan out to in-memory subscribers (SSE stream)
	pb.EventBus.Publish(event)
}

// publishToPubSub serializes the CloudEvent and publishes it as a Pub/Sub message.
// Message attributes map to CloudEvents metadata for server-side filtering.
func (pb *PubSubEventBus) publishToPubSub(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Error("marshal event failed", "event_id", event.ID, "err", err)
		return
	}

	// Extract PE ID from event data for ordering key
	peID := ""
	if event.PEID != "" {
		peID = event.PEID
	} else if pid, ok := event.Data["pe_id"].(string); ok {
		peID = pid
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-peid":        peID,
		},
		OrderingKey: peID, // per-PE ordering
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check result in a goroutine to avoid latency in the hot path
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			pb.logger.Error("pub/sub publish failed", "event_id", event.ID, "err", err)
			return
		}
		pb.logger.Debug("published event", "event_id", event.ID, "message_id", serverID, "type", event.Type)
	}()
}

// PublishRaw publishes a pre-built CloudEvent to Pub/Sub and in-memory bus.
// Useful for replaying or forwarding events.
func (pb *PubSubEventBus) PublishRaw(event *CloudEvent) {
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

// Close gracefully shuts down the Pub/Sub client.
// Call this from main() defer or shutdown handler.
func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Info("pub/sub client closed")
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (pb *PubSubEventBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// MarshalStats returns basic telemetry about the bus.
func (pb *PubSubEventBus) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":         "gcp-pubsub",
		"topic":           pb.topic.String(),
		"sse_subscribers": pb.EventBus.SubscriberCount(),
	}
}

// ensure interface compatibility
var _ EventEmitter = (*PubSubEventBus)(nil)
