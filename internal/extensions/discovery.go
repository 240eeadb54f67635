package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// ValidateExtensionPath rejects descriptor paths with traversal segments.
func ValidateExtensionPath(path string) (string, error) {
	if path == "" {
		return "", errs.InvalidArguments("path", "must not be empty")
	}
	cleaned := filepath.Clean(path)
	for _, seg := range strings.Split(cleaned, string(filepath.Separator)) {
		if seg == ".." {
			return "", errs.InvalidArguments("path", "path traversal detected: "+path)
		}
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", errs.InvalidArguments("path", err.Error())
	}
	return abs, nil
}

// Discover scans directories for extension descriptors (*.json) and
// registers each valid one. Invalid descriptors are logged and skipped;
// a missing directory is skipped silently.
func Discover(registry *Registry, dirs []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registered := 0
	for _, dir := range dirs {
		abs, err := ValidateExtensionPath(dir)
		if err != nil {
			return registered, err
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return registered, errs.Configuration("read extension dir "+abs, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(abs, entry.Name())
			ext, err := loadDescriptor(path)
			if err != nil {
				logger.Warn("skipping invalid extension descriptor", "path", path, "error", err)
				continue
			}
			if err := registry.Register(ext); err != nil {
				logger.Warn("extension registration failed", "path", path, "error", err)
				continue
			}
			registered++
		}
	}
	return registered, nil
}

func loadDescriptor(path string) (*models.DeviceTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configuration("read descriptor", err)
	}
	var ext models.DeviceTemplate
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, errs.Serialization("decode descriptor", err)
	}
	if ext.Mode == "" {
		ext.Mode = models.DeviceTemplateModeTemplate
	}
	return &ext, nil
}

// Watch re-discovers whenever a descriptor file changes, until the
// context ends. Registration idempotence makes re-discovery safe.
func Watch(ctx context.Context, registry *Registry, dirs []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range dirs {
		abs, err := ValidateExtensionPath(dir)
		if err != nil {
			watcher.Close()
			return err
		}
		if _, statErr := os.Stat(abs); statErr == nil {
			if err := watcher.Add(abs); err != nil {
				watcher.Close()
				return fmt.Errorf("watch %s: %w", abs, err)
			}
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if _, err := Discover(registry, dirs, logger); err != nil {
					logger.Warn("extension re-discovery failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("extension watcher error", "error", err)
			}
		}
	}()
	return nil
}
