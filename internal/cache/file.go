package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/model"
)

// FileBuckets stores each bucket as {dir}/{key}.json. Writes go through a
// temp file and rename so readers never see a partial array.
type FileBuckets struct {
	dir string
	mu  sync.Mutex
}

// NewFileBuckets creates dir if needed.
func NewFileBuckets(dir string) (*FileBuckets, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "cache: create dir %s", dir)
	}
	return &FileBuckets{dir: dir}, nil
}

func (f *FileBuckets) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *FileBuckets) Append(_ context.Context, key string, records []model.Supplier) (int, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.read(key)
	if err != nil {
		return 0, err
	}
	merged := append(existing, records...)
	if err := f.write(key, merged); err != nil {
		return 0, err
	}
	return len(merged), nil
}

func (f *FileBuckets) Load(_ context.Context, key string) ([]model.Supplier, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(key)
}

func (f *FileBuckets) Truncate(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(key, nil)
}

func (f *FileBuckets) List(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, eris.Wrap(err, "cache: list buckets")
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBuckets) read(key string) ([]model.Supplier, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: read bucket %s", key)
	}
	records, err := decode(data)
	return records, eris.Wrapf(err, "cache: bucket %s", key)
}

func (f *FileBuckets) write(key string, records []model.Supplier) error {
	data, err := encode(records)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, key+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "cache: write bucket %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "cache: write bucket %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "cache: write bucket %s", key)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), f.path(key)), "cache: write bucket %s", key)
}
