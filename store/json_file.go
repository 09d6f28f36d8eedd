package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/stevemurr/docmodel/apperr"
)

// lockRetry is how often a blocked file lock is retried.
const lockRetry = 10 * time.Millisecond

// FileBackend stores each collection as a separate JSON file on disk.
//
// Layout:
//
//	data_dir/
//	  _schemas.json        # schema registry
//	  notes.json           # "notes" collection
//	  notes.json.lock      # lock file shared with other processes
//
// Each file holds {"indexes": [...], "docs": [...]} with documents in
// insertion order.
type FileBackend struct {
	dir      string
	defaults collectionConfig

	mu    sync.Mutex
	files map[string]*collectionFile
}

// fileState is the on-disk shape of one collection.
type fileState struct {
	Indexes []IndexSpec `json:"indexes"`
	Docs    []Document  `json:"docs"`
}

// collectionFile serializes access to one collection file. mu orders
// goroutines of this process; the flock orders processes.
type collectionFile struct {
	mu   sync.RWMutex
	path string
}

func NewFileBackend(dir string, opts ...CollectionOption) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	b := &FileBackend{dir: dir, files: make(map[string]*collectionFile)}
	for _, opt := range opts {
		opt(&b.defaults)
	}
	return b, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) collectionPath(collection string) string {
	return filepath.Join(b.dir, collection+".json")
}

func (b *FileBackend) Collection(_ context.Context, name string, opts ...CollectionOption) (Collection, error) {
	bs, err := newBase(b.Name(), name, b.defaults, opts)
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, apperr.InvalidData(apperr.Failure{Message: "collection name must not contain path separators", Path: "collection", Type: "invalid"})
	}
	b.mu.Lock()
	f, ok := b.files[name]
	if !ok {
		f = &collectionFile{path: b.collectionPath(name)}
		b.files[name] = f
	}
	b.mu.Unlock()
	bs.logger.Debug("collection opened", zap.String("path", f.path))
	return &fileCollection{localCollection{base: bs, access: f}}, nil
}

func (b *FileBackend) Collections(context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (b *FileBackend) Close() error { return nil }

// fileCollection is the embedded file adapter.
type fileCollection struct {
	localCollection
}

func (f *collectionFile) read(ctx context.Context, fn func(*engine) error) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	lock := flock.New(f.path + ".lock")
	if _, err := lock.TryRLockContext(ctx, lockRetry); err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer lock.Unlock()

	eng, err := f.load()
	if err != nil {
		return err
	}
	return fn(eng)
}

func (f *collectionFile) write(ctx context.Context, fn func(*engine) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock := flock.New(f.path + ".lock")
	if _, err := lock.TryLockContext(ctx, lockRetry); err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer lock.Unlock()

	eng, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(eng); err != nil {
		return err
	}
	return f.save(eng)
}

func (f *collectionFile) load() (*engine, error) {
	eng := newEngine()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return eng, nil
	}
	if err != nil {
		return nil, err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	eng.load(state.Indexes, state.Docs)
	return eng, nil
}

// save writes the engine to a temporary file and renames it over the
// collection file.
func (f *collectionFile) save(eng *engine) error {
	state := fileState{Indexes: eng.indexes, Docs: eng.docs}
	if state.Indexes == nil {
		state.Indexes = []IndexSpec{}
	}
	if state.Docs == nil {
		state.Docs = []Document{}
	}
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
