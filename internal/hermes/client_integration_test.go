//go:build integration

package hermes

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_PubSub(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	logger := slog.Default()

	client, err := NewClient(natsURL, os.Getenv("NATS_TOKEN"), logger)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	received := make(chan AnalysisProgress, 1)

	err = client.Subscribe("swarm.spotlight.analysis.>", func(subject string, data []byte) {
		if subject != SubjectAnalysisProgress {
			return
		}
		var msg AnalysisProgress
		json.Unmarshal(data, &msg)
		received <- msg
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give subscription time to propagate
	time.Sleep(100 * time.Millisecond)

	err = client.Publish(SubjectAnalysisProgress, AnalysisProgress{AnalysisID: "it-1", Completed: 2, Total: 5})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.AnalysisID != "it-1" || msg.Completed != 2 || msg.Total != 5 {
			t.Errorf("unexpected progress event %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	if !client.Connected() {
		t.Error("expected client to report connected")
	}
}

func TestIntegration_ServeRequestsSharesQueue(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	logger := slog.Default()

	var clients []*Client
	for i := 0; i < 2; i++ {
		c, err := NewClient(natsURL, os.Getenv("NATS_TOKEN"), logger)
		if err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		defer c.Close()
		clients = append(clients, c)
	}

	received := make(chan string, 4)
	for _, c := range clients {
		err := c.ServeRequests(func(subject string, data []byte) {
			var req AnalysisRequested
			if err := json.Unmarshal(data, &req); err == nil {
				received <- req.RequestID
			}
		})
		if err != nil {
			t.Fatalf("ServeRequests failed: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	if err := clients[0].Publish(SubjectAnalysisRequested, AnalysisRequested{RequestID: "it-queue", User: "Hi."}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case id := <-received:
		if id != "it-queue" {
			t.Errorf("request id = %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	select {
	case id := <-received:
		t.Errorf("request %q delivered to more than one replica", id)
	case <-time.After(300 * time.Millisecond):
	}
}
