package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const partitionMetaFile = "partition.json"

// FileStorage implements Storage using one directory per partition
type FileStorage struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // partition dir -> partition.json lock
}

type partitionMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	// Keys keeps insertion order, which a directory listing cannot give us
	Keys []Key `json:"keys"`
}

// NewFileStorage creates a file-based storage rooted at dir.
// If dir is empty, uses a default cache directory
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".campusedge", "partitions")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStorage{dir: dir}, nil
}

// Dir returns the root directory
func (fs *FileStorage) Dir() string { return fs.dir }

func (fs *FileStorage) partitionDir(name string) string {
	return filepath.Join(fs.dir, sanitizeForFilename(name))
}

// metaLock returns the lock shared by every handle opened on dir
func (fs *FileStorage) metaLock(dir string) *sync.Mutex {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.locks == nil {
		fs.locks = make(map[string]*sync.Mutex)
	}
	l, ok := fs.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		fs.locks[dir] = l
	}
	return l
}

func (fs *FileStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("partition name is required")
	}
	dir := fs.partitionDir(name)
	p := &filePartition{name: name, dir: dir, metaMu: fs.metaLock(dir)}
	if _, err := os.Stat(filepath.Join(p.dir, partitionMetaFile)); err == nil {
		return p, nil
	}
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	if _, err := os.Stat(filepath.Join(p.dir, partitionMetaFile)); err == nil {
		return p, nil
	}
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	meta := &partitionMeta{Name: name, CreatedAt: time.Now().UTC()}
	if err := writeJSONAtomic(filepath.Join(p.dir, partitionMetaFile), meta); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return p, nil
}

func (fs *FileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(fs.partitionDir(name), partitionMetaFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (fs *FileStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := fs.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := os.RemoveAll(fs.partitionDir(name)); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return true, nil
}

func (fs *FileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var metas []partitionMeta
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		var meta partitionMeta
		if err := readJSON(filepath.Join(fs.dir, d.Name(), partitionMetaFile), &meta); err != nil {
			// half-written or foreign directory
			continue
		}
		metas = append(metas, meta)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].Name < metas[j].Name
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	names := make([]string, len(metas))
	for i, m := range metas {
		names[i] = m.Name
	}
	return names, nil
}

type filePartition struct {
	name   string
	dir    string
	metaMu *sync.Mutex
}

func (p *filePartition) Name() string { return p.name }

func (p *filePartition) path(key Key) string {
	return filepath.Join(p.dir, key.FileName())
}

func (p *filePartition) Match(ctx context.Context, key Key) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var entry Entry
	err := readJSON(p.path(key), &entry)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.Key() != key {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (p *filePartition) Put(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := entry.Clone()
	key := e.Key()
	e.Method, e.URL = key.Method, key.URL
	e.StoredAt = time.Now()

	if err := writeJSONAtomic(p.path(key), e); err != nil {
		return err
	}
	return p.updateMeta(func(m *partitionMeta) bool {
		for _, k := range m.Keys {
			if k == key {
				return false
			}
		}
		m.Keys = append(m.Keys, key)
		return true
	})
}

func (p *filePartition) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := os.Remove(p.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, p.updateMeta(func(m *partitionMeta) bool {
		for i, k := range m.Keys {
			if k == key {
				m.Keys = append(m.Keys[:i], m.Keys[i+1:]...)
				return true
			}
		}
		return false
	})
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var meta partitionMeta
	if err := readJSON(filepath.Join(p.dir, partitionMetaFile), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrPartitionNotFound
		}
		return nil, err
	}
	return meta.Keys, nil
}

// updateMeta rewrites partition.json when fn reports a change. The
// read-modify-write holds the partition lock so concurrent Puts keep every key.
func (p *filePartition) updateMeta(fn func(*partitionMeta) bool) error {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()

	path := filepath.Join(p.dir, partitionMetaFile)
	var meta partitionMeta
	if err := readJSON(path, &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrPartitionNotFound
		}
		return err
	}
	if !fn(&meta) {
		return nil
	}
	return writeJSONAtomic(path, &meta)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic writes to a temporary file first, then renames it over path
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
