package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileWatcher_EmitsOnInitWhenRequested(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	fw := NewFileWatcher(path)
	fw.ReturnBytesOnInit = true
	fw.Interval = 10 * time.Millisecond

	changed := make(chan []byte, 4)
	fw.FileChangedHandler = func(b []byte) { changed <- b }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Watch(ctx)

	select {
	case b := <-changed:
		if string(b) != `{"a":1}` {
			t.Fatalf("got %s", b)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial emission")
	}
}

func TestFileWatcher_DetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	fw := NewFileWatcher(path)
	fw.Interval = 10 * time.Millisecond

	changed := make(chan []byte, 4)
	fw.FileChangedHandler = func(b []byte) { changed <- b }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Watch(ctx)

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"a":2}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case b := <-changed:
		if string(b) != `{"a":2}` {
			t.Fatalf("got %s", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change detection")
	}
}

func TestFileWatcher_ReportsStatError(t *testing.T) {
	fw := NewFileWatcher(filepath.Join(t.TempDir(), "missing.json"))
	fw.Interval = 10 * time.Millisecond

	errs := make(chan error, 4)
	fw.ErrorHandler = func(err error) { errs <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Watch(ctx)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected a non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}
