package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// cloudEvent is the CloudEvents 1.0 envelope used for cross-service
// delivery of diagnostics events.
type cloudEvent struct {
	SpecVersion string `json:"specversion"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	ID          string `json:"id"`
	Time        string `json:"time"`
	Subject     string `json:"subject,omitempty"`
	Data        Event  `json:"data"`
}

// PubSubSink fans diagnostics events out to a Pub/Sub topic for durable,
// cross-service delivery, in addition to the mandatory filesystem sink.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to projectID and ensures topicID exists.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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
	}
	topic.EnableMessageOrdering = true

	return &PubSubSink{client: client, topic: topic}, nil
}

func (p *PubSubSink) LogEvent(evt Event) {
	ce := cloudEvent{
		SpecVersion: "1.0",
		Type:        "pathspace.remote.diagnostics." + evt.Code,
		Source:      "pathspace-remote-mount",
		ID:          uuid.NewString(),
		Time:        time.Now().Format(time.RFC3339Nano),
		Subject:     evt.Subject,
		Data:        evt,
	}
	payload, err := json.Marshal(ce)
	if err != nil {
		slog.Error("diagnostics: pubsub marshal failed", "alias", evt.Alias, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": ce.SpecVersion,
			"ce-type":        ce.Type,
			"ce-source":      ce.Source,
			"ce-id":          ce.ID,
		},
		OrderingKey: evt.Alias,
	}
	result := p.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Error("diagnostics: pubsub publish failed", "alias", evt.Alias, "error", err)
		}
	}()
}

// Close releases the topic and client.
func (p *PubSubSink) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
