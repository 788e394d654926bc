package sheets

import (
	"context"
	"sync"
	"testing"

	"reportline/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	tables  map[string][][]string
	creates int
	lists   int
}

func newMemStore() *memStore {
	return &memStore{tables: map[string][][]string{}}
}

func (m *memStore) ListTables(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	var names []string
	for name := range m.tables {
		names = append(names, name)
	}
	return names, nil
}

func (m *memStore) CreateTable(ctx context.Context, name string, header []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[name]; ok {
		return ErrTableExists
	}
	m.creates++
	m.tables[name] = [][]string{header}
	return nil
}

func (m *memStore) ReadRows(ctx context.Context, name string) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return rows, nil
}

func (m *memStore) WriteRow(ctx context.Context, name string, index int, cells []string) error {
	return nil
}

func (m *memStore) AppendRow(ctx context.Context, name string, cells []string) error {
	return nil
}

func TestTableNameSanitization(t *testing.T) {
	r := NewRouter(newMemStore(), 100)
	cases := []struct {
		ministry domain.Ministry
		want     string
	}{
		{domain.Ministry{ID: "EDU", Name: "Ministry of Education"}, "Ministry_of_Education"},
		{domain.Ministry{ID: "EDU", Name: "Ministry of Education", ShortName: "Education"}, "Education"},
		{domain.Ministry{ID: "HLT", Name: "Health & Social-Services"}, "Health_Social_Services"},
		{domain.Ministry{ID: "X", Name: "  spaced   out  "}, "spaced_out"},
		{domain.Ministry{ID: "JUS", Name: "Justicia (Región Norte)"}, "Justicia_Región_Norte"},
		// nothing survives sanitization, fall back to the id
		{domain.Ministry{ID: "M1", Name: "???"}, "M1"},
	}
	for _, c := range cases {
		if got := r.TableName(c.ministry); got != c.want {
			t.Fatalf("TableName(%q/%q) = %q, want %q", c.ministry.Name, c.ministry.ShortName, got, c.want)
		}
	}
}

func TestTableNameTruncation(t *testing.T) {
	r := NewRouter(newMemStore(), 10)
	m := domain.Ministry{ID: "LONG", Name: "A Very Long Ministry Name Indeed"}
	got := r.TableName(m)
	if len([]rune(got)) > 10 {
		t.Fatalf("expected truncation to 10 runes, got %q", got)
	}
	// no trailing separator left by the cut
	if got[len(got)-1] == '_' {
		t.Fatalf("unexpected trailing underscore in %q", got)
	}
}

func TestResolveProvisionsOnce(t *testing.T) {
	store := newMemStore()
	r := NewRouter(store, 100)
	m := domain.Ministry{ID: "EDU", Name: "Education"}
	ctx := context.Background()

	name, err := r.Resolve(ctx, m)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if name != "Education" {
		t.Fatalf("unexpected table name %q", name)
	}
	for i := 0; i < 5; i++ {
		if _, err := r.Resolve(ctx, m); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if store.creates != 1 {
		t.Fatalf("expected one create, got %d", store.creates)
	}
	// cached after first resolution, no repeated listing round-trips
	if store.lists != 1 {
		t.Fatalf("expected one list, got %d", store.lists)
	}
	rows, err := store.ReadRows(ctx, name)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected provisioned header row, got %v (%v)", rows, err)
	}
	if rows[0][0] != Header[0] {
		t.Fatalf("unexpected header %v", rows[0])
	}
}

func TestResolveConcurrent(t *testing.T) {
	store := newMemStore()
	r := NewRouter(store, 100)
	m := domain.Ministry{ID: "EDU", Name: "Education"}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(ctx, m); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if store.creates != 1 {
		t.Fatalf("expected one create under contention, got %d", store.creates)
	}
}

func TestResolveToleratesExistsCollision(t *testing.T) {
	store := newMemStore()
	// another writer created the table between our list and create
	store.tables["Education"] = [][]string{Header}
	r := NewRouter(store, 100)
	// fresh router with an empty cache still resolves cleanly
	name, err := r.Resolve(context.Background(), domain.Ministry{ID: "EDU", Name: "Education"})
	if err != nil || name != "Education" {
		t.Fatalf("resolve against existing table: %v (%q)", err, name)
	}
	if store.creates != 0 {
		t.Fatalf("expected no create, got %d", store.creates)
	}
}
