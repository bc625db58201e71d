// Package waitfs blocks until an expected file appears, using inotify with
// a coarse stat fallback for filesystems that don't deliver events.
package waitfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForFile blocks until path exists or the timeout elapses.
func WaitForFile(ctx context.Context, path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pollForFile(ctx, path)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return pollForFile(ctx, path)
	}

	// The file may have appeared before the watch was established.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	fallback := time.NewTicker(time.Second)
	defer fallback.Stop()
	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				return nil
			}
		case <-watcher.Errors:
			return pollForFile(ctx, path)
		case <-fallback.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", path, ctx.Err())
		}
	}
}

func pollForFile(ctx context.Context, path string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", path, ctx.Err())
		}
	}
}
