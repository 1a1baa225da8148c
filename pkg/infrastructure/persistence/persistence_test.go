package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/botloom/loom/pkg/domain"
)

// Both file-less and file-backed stores must satisfy the same contract,
// so every test runs against each backend.
func backends(t *testing.T) map[string]domain.Storage {
	t.Helper()
	jsonStore, err := NewJSONStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return map[string]domain.Storage{
		"memory": NewMemoryStorage(),
		"json":   jsonStore,
	}
}

func TestUserCRUD(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			users := store.Users()

			if _, err := users.Get("absent"); !errors.Is(err, domain.ErrRecordNotFound) {
				t.Errorf("missing record: err = %v, want ErrRecordNotFound", err)
			}

			rec := &domain.UserRecord{ID: "U1", Name: "Ada", Vars: domain.Metadata{"name": "Ada"}}
			if err := users.Save(rec); err != nil {
				t.Fatal(err)
			}
			if rec.UpdatedAt.IsZero() {
				t.Error("Save must stamp UpdatedAt")
			}

			got, err := users.Get("U1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Name != "Ada" || got.Vars["name"] != "Ada" {
				t.Errorf("got = %+v", got)
			}

			// Returned records must not alias stored state.
			got.Vars["name"] = "mutated"
			again, _ := users.Get("U1")
			if again.Vars["name"] != "Ada" {
				t.Error("Get returned an aliased record")
			}

			if err := users.Delete("U1"); err != nil {
				t.Fatal(err)
			}
			if err := users.Delete("U1"); !errors.Is(err, domain.ErrRecordNotFound) {
				t.Errorf("double delete: err = %v, want ErrRecordNotFound", err)
			}
		})
	}
}

func TestEmptyIDRejected(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			users := store.Users()

			if _, err := users.Get(""); !errors.Is(err, domain.ErrEmptyRecordID) {
				t.Errorf("Get: err = %v", err)
			}
			if err := users.Save(&domain.UserRecord{}); !errors.Is(err, domain.ErrEmptyRecordID) {
				t.Errorf("Save: err = %v", err)
			}
			if err := users.Delete(""); !errors.Is(err, domain.ErrEmptyRecordID) {
				t.Errorf("Delete: err = %v", err)
			}
			if err := users.Update("", func(*domain.UserRecord) error { return nil }); !errors.Is(err, domain.ErrEmptyRecordID) {
				t.Errorf("Update: err = %v", err)
			}
		})
	}
}

func TestAll(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			teams := store.Teams()

			for i := 0; i < 3; i++ {
				if err := teams.Save(&domain.TeamRecord{ID: fmt.Sprintf("T%d", i)}); err != nil {
					t.Fatal(err)
				}
			}
			all, err := teams.All()
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Errorf("All() = %d records, want 3", len(all))
			}
		})
	}
}

func TestUpdateCreatesZeroRecord(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			users := store.Users()

			err := users.Update("U9", func(r *domain.UserRecord) error {
				if r.ID != "U9" {
					t.Errorf("zero record id = %q, want U9", r.ID)
				}
				r.Name = "Grace"
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}

			got, err := users.Get("U9")
			if err != nil {
				t.Fatal(err)
			}
			if got.Name != "Grace" || got.UpdatedAt.IsZero() {
				t.Errorf("got = %+v", got)
			}
		})
	}
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	boom := errors.New("boom")
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			users := store.Users()
			if err := users.Save(&domain.UserRecord{ID: "U1", Name: "Ada"}); err != nil {
				t.Fatal(err)
			}

			err := users.Update("U1", func(r *domain.UserRecord) error {
				r.Name = "changed"
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want boom", err)
			}
			got, _ := users.Get("U1")
			if got.Name != "Ada" {
				t.Errorf("failed update leaked changes: name = %q", got.Name)
			}
		})
	}
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			users := store.Users()

			const writers = 20
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_ = users.Update("U1", func(r *domain.UserRecord) error {
						if r.Vars == nil {
							r.Vars = domain.Metadata{}
						}
						r.Vars[fmt.Sprintf("k%d", i)] = "v"
						return nil
					})
				}(i)
			}
			wg.Wait()

			got, err := users.Get("U1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got.Vars) != writers {
				t.Errorf("vars = %d, want %d", len(got.Vars), writers)
			}
		})
	}
}

func TestJSONStoreReloads(t *testing.T) {
	dir := t.TempDir()

	first, err := NewJSONStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Users().Save(&domain.UserRecord{ID: "U1", Vars: domain.Metadata{"name": "Ada"}}); err != nil {
		t.Fatal(err)
	}
	first.Close()

	// Records written as <id>.json under the collection directory.
	if _, err := os.Stat(filepath.Join(dir, "users", "U1.json")); err != nil {
		t.Fatalf("expected user file on disk: %v", err)
	}

	second, err := NewJSONStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	got, err := second.Users().Get("U1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Vars["name"] != "Ada" {
		t.Errorf("reloaded vars = %v", got.Vars)
	}
}

func TestJSONDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Teams().Save(&domain.TeamRecord{ID: "T1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Teams().Delete("T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "teams", "T1.json")); !os.IsNotExist(err) {
		t.Error("deleted record's file still on disk")
	}
}

func TestOpenDispatch(t *testing.T) {
	tests := []struct {
		driver  string
		path    string
		wantErr bool
	}{
		{driver: ""},
		{driver: "memory"},
		{driver: "json", path: t.TempDir()},
		{driver: "redis", wantErr: true},
	}
	for _, tt := range tests {
		store, err := Open(tt.driver, tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Open(%q) should fail", tt.driver)
			}
			continue
		}
		if err != nil {
			t.Errorf("Open(%q): %v", tt.driver, err)
			continue
		}
		store.Close()
	}
}
