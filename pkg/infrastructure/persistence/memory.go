package persistence

import (
	"sync"

	"github.com/botloom/loom/pkg/domain"
)

// memCollection is a mutex-guarded map of defensively copied records.
type memCollection[R any] struct {
	d     descriptor[R]
	mu    sync.RWMutex
	items map[string]*R
}

func newMemCollection[R any](d descriptor[R]) *memCollection[R] {
	return &memCollection[R]{d: d, items: make(map[string]*R)}
}

func (c *memCollection[R]) Get(id string) (*R, error) {
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

func (c *memCollection[R]) Save(record *R) error {
	id := c.d.keyOf(record)
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.d.touch(record)
	c.items[id] = c.d.clone(record)
	return nil
}

func (c *memCollection[R]) Delete(id string) error {
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		return domain.ErrRecordNotFound
	}
	delete(c.items, id)
	return nil
}

func (c *memCollection[R]) All() ([]*R, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*R, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, c.d.clone(item))
	}
	return out, nil
}

func (c *memCollection[R]) Update(id string, fn func(*R) error) error {
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
	c.items[id] = record
	return nil
}

// MemoryStorage keeps all records in process memory. State is lost on
// restart; suited to tests and throwaway bots.
type MemoryStorage struct {
	teams *memCollection[domain.TeamRecord]
	users *memCollection[domain.UserRecord]
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		teams: newMemCollection(teamDesc),
		users: newMemCollection(userDesc),
	}
}

func (s *MemoryStorage) Teams() domain.Collection[domain.TeamRecord] { return s.teams }
func (s *MemoryStorage) Users() domain.Collection[domain.UserRecord] { return s.users }
func (s *MemoryStorage) Close() error                                { return nil }

var _ domain.Storage = (*MemoryStorage)(nil)
