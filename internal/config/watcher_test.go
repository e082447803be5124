package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "analysiswatch.yaml")
	writeConfig(t, configPath, "backend:\n  base_url: http://localhost:8080\npolling:\n  interval: 2s\n")

	watcher, err := NewWatcher(NewLoader(dir), configPath, []string{"volatility"})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	if got := watcher.Current().Polling.GetInterval(); got != 2*time.Second {
		t.Fatalf("expected initial interval 2s, got %v", got)
	}

	writeConfig(t, configPath, "backend:\n  base_url: http://localhost:8080\npolling:\n  interval: 5s\n")

	select {
	case event := <-watcher.Events():
		if event.Error != nil {
			t.Fatalf("unexpected error: %v", event.Error)
		}
		if event.Config == nil {
			t.Fatal("expected config in event")
		}
		if got := event.Config.Polling.GetInterval(); got != 5*time.Second {
			t.Errorf("expected interval 5s, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config event")
	}

	if got := watcher.Current().Polling.GetInterval(); got != 5*time.Second {
		t.Errorf("expected current interval 5s, got %v", got)
	}
}

func TestWatcherInvalidUpdateKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "analysiswatch.json")
	writeConfig(t, configPath, `{"backend": {"base_url": "http://localhost:8080"}}`)

	watcher, err := NewWatcher(NewLoader(dir), configPath, []string{"volatility"})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	writeConfig(t, configPath, `{"backend": {"base_url": "http://localhost:8080"}, "subtools": ["sentiment"]}`)

	select {
	case event := <-watcher.Events():
		if event.Error == nil {
			t.Fatal("expected validation error event")
		}
		if event.Config != nil {
			t.Error("invalid config should not be delivered")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config event")
	}

	if len(watcher.Current().Subtools) != 0 {
		t.Errorf("current config should be unchanged, got subtools %v", watcher.Current().Subtools)
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "analysiswatch.json")
	writeConfig(t, configPath, `{"backend": {"base_url": "http://localhost:8080"}}`)

	watcher, err := NewWatcher(NewLoader(dir), configPath, nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	writeConfig(t, filepath.Join(dir, "other.json"), `{"backend": {"base_url": "http://other:1"}}`)

	select {
	case event := <-watcher.Events():
		t.Fatalf("unexpected event for unrelated file: %+v", event)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherStartFailsOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "analysiswatch.json")
	writeConfig(t, configPath, `{"backend": {"base_url": ""}}`)

	watcher, err := NewWatcher(NewLoader(dir), configPath, nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := watcher.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if err := watcher.Stop(); err != nil {
		t.Errorf("stop after failed start: %v", err)
	}
}
