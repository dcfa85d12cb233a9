package main

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_InvalidConfiguration(t *testing.T) {
	t.Setenv("STUDYBUDDY_STORE_DRIVER", "tape")

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to create application") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Setenv("STUDYBUDDY_HTTP_HOST", "127.0.0.1")
	t.Setenv("STUDYBUDDY_HTTP_PORT", "0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
