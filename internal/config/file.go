package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// FileStore persists the configuration document to a JSON file and
// reloads it when the file changes on disk.
type FileStore struct {
	*InMemoryStore
	path   string
	logger *slog.Logger

	// OnReload is invoked after a successful hot reload.
	OnReload func(doc domain.ExportDocument)
}

func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		InMemoryStore: NewInMemoryStore(),
		path:          path,
		logger:        logger,
	}
}

// LoadConfigurations reads the document from disk. A missing file leaves
// the store empty; a present but invalid file is an error.
func (s *FileStore) LoadConfigurations(context.Context) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var doc domain.ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return s.Import(doc)
}

// Save writes the current document to disk.
func (s *FileStore) Save() error {
	data, err := json.MarshalIndent(s.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Watch reloads the store whenever the file is rewritten. It blocks until
// the context is cancelled. A reload that fails validation is logged and
// the previous configuration stays in effect.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file instead of
	// writing it in place.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.LoadConfigurations(ctx); err != nil {
				s.logger.Error("config reload failed", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("config reloaded", "path", s.path)
			if s.OnReload != nil {
				s.OnReload(s.Export())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("config watcher error", "error", err)
		}
	}
}
