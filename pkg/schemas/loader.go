package schemas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

// Loader seeds schemas from a directory of <kind>.json files
type Loader struct {
	service *Service
	dir     string
	logger  *observability.Logger
}

// NewLoader creates a loader for dir
func NewLoader(service *Service, dir string, logger *observability.Logger) *Loader {
	return &Loader{
		service: service,
		dir:     dir,
		logger:  logger.WithComponent("schema-loader").WithField("dir", dir),
	}
}

func kindFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
		return "", false
	}
	return strings.TrimSuffix(base, ".json"), true
}

// Load applies every schema file in the directory. It stops at the first
// invalid file.
func (l *Loader) Load(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema directory: %w", err)
	}

	applied := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if _, ok := kindFromPath(path); !ok {
			continue
		}
		changed, err := l.applyFile(ctx, path)
		if err != nil {
			return applied, err
		}
		if changed {
			applied++
		}
	}

	l.logger.Infof("Loaded schemas, %d changed", applied)
	return applied, nil
}

func (l *Loader) applyFile(ctx context.Context, path string) (bool, error) {
	kind, ok := kindFromPath(path)
	if !ok {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	ctx = auth.WithClaims(ctx, auth.SystemClaims())
	_, changed, err := l.service.Apply(ctx, kind, string(data))
	if err != nil {
		return false, fmt.Errorf("failed to apply schema %s: %w", path, err)
	}
	if changed {
		l.logger.WithField("kind", kind).Info("Applied schema file")
	}
	return changed, nil
}

// Watch re-applies schema files as they are written until ctx is done.
// Invalid files are logged and skipped. Removing a file does not delete the
// schema.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := l.applyFile(ctx, event.Name); err != nil {
				l.logger.WithError(err).Warn("Skipping schema file")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.WithError(err).Warn("Schema watcher error")
		}
	}
}
