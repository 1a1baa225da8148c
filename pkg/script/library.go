package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Library is a thread-safe store of loaded dialog scripts, keyed by
// script name.
type Library struct {
	mu      sync.RWMutex
	scripts map[string]*Script
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{scripts: make(map[string]*Script)}
}

// Load reads all *.yaml files from dir and registers them. Errors in
// individual files do not abort loading; they are returned alongside
// the count of scripts loaded.
func (l *Library) Load(dir string) (int, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, []error{fmt.Errorf("cannot read script dir %s: %w", dir, err)}
	}

	loaded := 0
	var errs []error

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", e.Name(), err))
			continue
		}
		s, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", e.Name(), err))
			continue
		}
		if s.Name == "" {
			s.Name = strings.TrimSuffix(e.Name(), ".yaml")
		}
		l.Register(s)
		loaded++
	}
	return loaded, errs
}

// Register adds or replaces a script.
func (l *Library) Register(s *Script) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts[s.Name] = s
}

// Get returns a script by name.
func (l *Library) Get(name string) (*Script, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.scripts[name]
	return s, ok
}

// Names lists the registered script names.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.scripts))
	for name := range l.scripts {
		names = append(names, name)
	}
	return names
}
