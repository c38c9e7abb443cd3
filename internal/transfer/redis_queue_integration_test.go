package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"castpanel/internal/models"
	"castpanel/internal/testsupport/redisstub"
)

func TestRedisQueueFanoutPlain(t *testing.T) {
	runRedisQueueIntegration(t, false)
}

func TestRedisQueueFanoutTLS(t *testing.T) {
	runRedisQueueIntegration(t, true)
}

func runRedisQueueIntegration(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	cfg := RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-transfers",
		Group:        "test-group",
		BlockTimeout: 200 * time.Millisecond,
	}
	if useTLS {
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca file: %v", err)
		}
		cfg.TLS = RedisTLSConfig{CAFile: caPath}
	}
	queue, err := NewRedisQueue(cfg)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	sub := queue.Subscribe()
	t.Cleanup(func() {
		sub.Close()
	})
	event := Event{
		Type:             EventTypeCompleted,
		JobID:            "job-1",
		AccountID:        "acct-1",
		State:            models.JobCompleted,
		BytesTransferred: 2048,
		TotalBytes:       2048,
		OccurredAt:       time.Now().UTC(),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-sub.Events():
		if got.Type != event.Type || got.JobID != event.JobID || got.BytesTransferred != event.BytesTransferred {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}
