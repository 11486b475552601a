package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileSource loads tier definitions from a JSON file and hot-reloads them
// when the file changes. A reload that fails to parse keeps the previously
// loaded catalog.
type FileSource struct {
	*StaticSource
	path    string
	watcher *fsnotify.Watcher
	onError func(error)
}

// NewFileSource loads the catalog file and starts watching it for changes.
// onError receives reload failures; it may be nil.
func NewFileSource(path string, onError func(error)) (*FileSource, error) {
	tiers, err := loadTierFile(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	// Watch the directory: editors and config-map updates replace the file
	// rather than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	s := &FileSource{
		StaticSource: NewStaticSource(tiers),
		path:         path,
		watcher:      watcher,
		onError:      onError,
	}
	go s.watch()
	return s, nil
}

// Close stops watching the catalog file.
func (s *FileSource) Close() error {
	return s.watcher.Close()
}

func (s *FileSource) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			tiers, err := loadTierFile(s.path)
			if err != nil {
				if s.onError != nil {
					s.onError(err)
				}
				continue
			}
			s.replace(tiers)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.onError != nil {
				s.onError(err)
			}
		}
	}
}

func loadTierFile(path string) ([]Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var tiers []Tier
	if err := json.Unmarshal(data, &tiers); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("catalog file %s defines no tiers", path)
	}
	for _, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("catalog file %s contains a tier with no id", path)
		}
	}
	return tiers, nil
}
