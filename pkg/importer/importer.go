// Package importer indexes project and task JSON documents dropped into an
// inbox directory. Files are re-imported when their content changes.
package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/smartpm/internal/observability"
	"github.com/harun/smartpm/pkg/retrieval"
)

// Document kinds
const (
	KindProject = "project"
	KindTask    = "task"
)

// DefaultDebounce is how long a file must be quiet before it is imported
const DefaultDebounce = 500 * time.Millisecond

// ErrUnknownKind is returned for documents that are neither projects nor tasks.
var ErrUnknownKind = errors.New("unknown document kind")

// Memory is the subset of the retrieval service the importer writes to
type Memory interface {
	IndexProject(ctx context.Context, in retrieval.ProjectInput) (retrieval.IndexResult, error)
	IndexTask(ctx context.Context, in retrieval.TaskInput) (retrieval.IndexResult, error)
}

// Config configures an Importer
type Config struct {
	Dir      string
	Memory   Memory
	Logger   zerolog.Logger
	Debounce time.Duration
	Timeout  time.Duration
}

// Importer watches Dir for *.json documents and indexes them
type Importer struct {
	dir      string
	memory   Memory
	logger   zerolog.Logger
	debounce time.Duration
	timeout  time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	hashes map[string]string
	timers map[string]*time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
}

// envelope carries the discriminator shared by both document kinds
type envelope struct {
	Kind string `json:"kind"`
}

// New creates an importer. Start must be called to begin watching.
func New(cfg Config) (*Importer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("import directory is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("retrieval memory is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Importer{
		dir:      cfg.Dir,
		memory:   cfg.Memory,
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
		timeout:  cfg.Timeout,
		stopCh:   make(chan struct{}),
		hashes:   make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start imports every existing document and then watches for changes
func (im *Importer) Start(ctx context.Context) error {
	var err error
	im.startOnce.Do(func() {
		if err = os.MkdirAll(im.dir, 0755); err != nil {
			err = fmt.Errorf("failed to create import directory: %w", err)
			return
		}

		if syncErr := im.Sync(ctx); syncErr != nil {
			im.logger.Warn().Err(syncErr).Msg("Initial import finished with errors")
		}

		im.watcher, err = fsnotify.NewWatcher()
		if err != nil {
			err = fmt.Errorf("failed to create watcher: %w", err)
			return
		}
		if err = im.watcher.Add(im.dir); err != nil {
			im.watcher.Close()
			err = fmt.Errorf("failed to watch %s: %w", im.dir, err)
			return
		}

		im.wg.Add(1)
		go im.run()

		im.logger.Info().Str("dir", im.dir).Msg("Import watcher started")
	})
	return err
}

// Stop stops watching and cancels pending imports
func (im *Importer) Stop() error {
	var err error
	im.stopOnce.Do(func() {
		close(im.stopCh)

		im.mu.Lock()
		for _, timer := range im.timers {
			timer.Stop()
		}
		clear(im.timers)
		im.mu.Unlock()

		if im.watcher != nil {
			err = im.watcher.Close()
		}
		im.wg.Wait()

		im.logger.Info().Msg("Import watcher stopped")
	})
	return err
}

// Sync imports every document in the directory whose content changed
func (im *Importer) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return fmt.Errorf("failed to read import directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isDocument(entry.Name()) {
			continue
		}
		if err := im.ImportFile(ctx, filepath.Join(im.dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ImportFile indexes the documents in path unless its content is unchanged
// since the last successful import.
func (im *Importer) ImportFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	im.mu.Lock()
	unchanged := im.hashes[path] == hash
	im.mu.Unlock()
	if unchanged {
		im.logger.Debug().Str("file", filepath.Base(path)).Msg("Document unchanged, skipping")
		return nil
	}

	docs, err := splitDocuments(data)
	if err != nil {
		observability.RecordImport("invalid")
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	ctx, cancel := context.WithTimeout(ctx, im.timeout)
	defer cancel()

	var errs []error
	chunks := 0
	for i, raw := range docs {
		n, err := im.importDocument(ctx, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", filepath.Base(path), i, err))
			continue
		}
		chunks += n
	}
	if err := errors.Join(errs...); err != nil {
		observability.RecordImport("error")
		im.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Import failed")
		return err
	}

	im.mu.Lock()
	im.hashes[path] = hash
	im.mu.Unlock()

	observability.RecordImport("success")
	im.logger.Info().
		Str("file", filepath.Base(path)).
		Int("documents", len(docs)).
		Int("chunks", chunks).
		Msg("Imported documents")
	return nil
}

func (im *Importer) importDocument(ctx context.Context, raw json.RawMessage) (int, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("invalid document: %w", err)
	}

	switch strings.ToLower(env.Kind) {
	case KindProject:
		var in retrieval.ProjectInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return 0, fmt.Errorf("invalid project document: %w", err)
		}
		res, err := im.memory.IndexProject(ctx, in)
		return res.ChunksIndexed, err
	case KindTask:
		var in retrieval.TaskInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return 0, fmt.Errorf("invalid task document: %w", err)
		}
		res, err := im.memory.IndexTask(ctx, in)
		return res.ChunksIndexed, err
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// splitDocuments accepts a single JSON object or an array of objects
func splitDocuments(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	if trimmed[0] == '[' {
		var docs []json.RawMessage
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("invalid document array: %w", err)
		}
		return docs, nil
	}

	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("invalid JSON document")
	}
	return []json.RawMessage{trimmed}, nil
}

func isDocument(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json") && !strings.HasPrefix(name, ".")
}

// run processes file system events
func (im *Importer) run() {
	defer im.wg.Done()

	for {
		select {
		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}
			if !isDocument(filepath.Base(event.Name)) {
				continue
			}

			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				im.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Document change detected")
				im.schedule(event.Name)
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				im.forget(event.Name)
			}

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			im.logger.Error().Err(err).Msg("Import watcher error")

		case <-im.stopCh:
			return
		}
	}
}

// schedule debounces imports of path
func (im *Importer) schedule(path string) {
	im.mu.Lock()
	defer im.mu.Unlock()

	if timer, ok := im.timers[path]; ok {
		timer.Stop()
	}

	im.timers[path] = time.AfterFunc(im.debounce, func() {
		im.mu.Lock()
		delete(im.timers, path)
		im.mu.Unlock()

		select {
		case <-im.stopCh:
			return
		default:
		}

		// errors are logged by ImportFile
		_ = im.ImportFile(context.Background(), path)
	})
}

// forget drops the content hash so a re-created file is imported again.
// Indexed chunks stay in place.
func (im *Importer) forget(path string) {
	im.mu.Lock()
	delete(im.hashes, path)
	if timer, ok := im.timers[path]; ok {
		timer.Stop()
		delete(im.timers, path)
	}
	im.mu.Unlock()
}
