package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/botloom/loom/pkg/domain"
)

// jsonCollection keeps an in-memory cache and persists to one JSON file
// per record on every mutation. Filenames are <id>.json under the
// collection's directory.
type jsonCollection[R any] struct {
	d     descriptor[R]
	dir   string
	mu    sync.RWMutex
	items map[string]*R
}

func newJSONCollection[R any](d descriptor[R], baseDir string) (*jsonCollection[R], error) {
	dir := filepath.Join(baseDir, d.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	c := &jsonCollection[R]{d: d, dir: dir, items: make(map[string]*R)}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *jsonCollection[R]) load() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", c.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		var item R
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		if id := c.d.keyOf(&item); id != "" {
			c.items[id] = &item
		}
	}
	return nil
}

func (c *jsonCollection[R]) persist(id string, record *R) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", c.d.name, err)
	}
	return os.WriteFile(filepath.Join(c.dir, id+".json"), data, 0o644)
}

func (c *jsonCollection[R]) Get(id string) (*R, error) {
	if id == "" {
		return nil, domain.ErrEmptyRecordID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return c.d.clone(item), nil
}

func (c *jsonCollection[R]) Save(record *R) error {
	id := c.d.keyOf(record)
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.d.touch(record)
	cp := c.d.clone(record)
	if err := c.persist(id, cp); err != nil {
		return err
	}
	c.items[id] = cp
	return nil
}

func (c *jsonCollection[R]) Delete(id string) error {
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		return domain.ErrRecordNotFound
	}
	delete(c.items, id)
	os.Remove(filepath.Join(c.dir, id+".json"))
	return nil
}

func (c *jsonCollection[R]) All() ([]*R, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*R, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, c.d.clone(item))
	}
	return out, nil
}

func (c *jsonCollection[R]) Update(id string, fn func(*R) error) error {
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var record *R
	if existing, ok := c.items[id]; ok {
		record = c.d.clone(existing)
	} else {
		record = new(R)
		c.d.setKey(record, id)
	}
	if err := fn(record); err != nil {
		return err
	}
	c.d.touch(record)
	if err := c.persist(id, record); err != nil {
		return err
	}
	c.items[id] = record
	return nil
}

// JSONStorage persists records as JSON files under a data directory,
// one subdirectory per collection.
type JSONStorage struct {
	teams *jsonCollection[domain.TeamRecord]
	users *jsonCollection[domain.UserRecord]
}

// NewJSONStorage opens (and loads) a file-backed store rooted at baseDir.
func NewJSONStorage(baseDir string) (*JSONStorage, error) {
	teams, err := newJSONCollection(teamDesc, baseDir)
	if err != nil {
		return nil, err
	}
	users, err := newJSONCollection(userDesc, baseDir)
	if err != nil {
		return nil, err
	}
	return &JSONStorage{teams: teams, users: users}, nil
}

func (s *JSONStorage) Teams() domain.Collection[domain.TeamRecord] { return s.teams }
func (s *JSONStorage) Users() domain.Collection[domain.UserRecord] { return s.users }
func (s *JSONStorage) Close() error                                { return nil }

var _ domain.Storage = (*JSONStorage)(nil)
