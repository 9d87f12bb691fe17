package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

func TestPubSubReportPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "sync-run-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubReportPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubReportPublisher: %v", err)
	}

	startedAt := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	report := domain.RunReport{
		ID:         "run_test",
		Success:    true,
		Mode:       domain.ModeFull,
		Trigger:    domain.TriggerScheduled,
		Created:    12,
		Updated:    3,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(90 * time.Second),
	}

	if err := publisher.PublishRunCompleted(ctx, report); err != nil {
		t.Fatalf("PublishRunCompleted: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload domain.RunReport
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID != report.ID || payload.Created != report.Created {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["runId"]; attr != "run_test" {
		t.Fatalf("expected runId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["mode"]; attr != string(domain.ModeFull) {
		t.Fatalf("expected mode attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["success"]; attr != "true" {
		t.Fatalf("expected success attribute, got %q", attr)
	}
}

func TestNewPubSubReportPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubReportPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
