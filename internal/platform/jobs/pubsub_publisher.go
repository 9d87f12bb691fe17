package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

// PubSubReportPublisher publishes completed sync run reports to a Pub/Sub topic
// so downstream consumers (search indexers, cache invalidation) can react.
type PubSubReportPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubReportPublisher constructs a Pub/Sub backed run report publisher.
func NewPubSubReportPublisher(topic *pubsub.Topic) (*PubSubReportPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub report publisher: topic is required")
	}
	return &PubSubReportPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRunCompleted emits the report for a finished sync run on the configured topic.
func (p *PubSubReportPublisher) PublishRunCompleted(ctx context.Context, report domain.RunReport) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub report publisher: not initialised")
	}

	data, err := p.marshal(report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "runId", report.ID)
	setAttr(attrs, "mode", string(report.Mode))
	setAttr(attrs, "trigger", string(report.Trigger))
	attrs["success"] = strconv.FormatBool(report.Success)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish run report: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
