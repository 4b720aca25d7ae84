package snapshot

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store fake that keeps the registry policy
// testable without touching the filesystem.
type memStore struct {
	mu      sync.Mutex
	infos   map[string]Info
	entries map[string]map[Key]*Captured
	clock   time.Time
}

func newMemStore() *memStore {
	return &memStore{
		infos:   make(map[string]Info),
		entries: make(map[string]map[Key]*Captured),
		clock:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) add(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Minute)
	m.infos[name] = Info{Name: name, CreatedAt: m.clock}
	m.entries[name] = make(map[Key]*Captured)
}

func (m *memStore) List(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []Info
	for _, info := range m.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

func (m *memStore) Exists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.infos[name]
	return ok, nil
}

func (m *memStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.infos, name)
	delete(m.entries, name)
	return nil
}

func (m *memStore) Get(ctx context.Context, name string, key Key) (*ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.entries[name]
	if !ok {
		return nil, ErrSnapshotMissing
	}
	if _, ok := entries[key]; !ok {
		return nil, ErrNotFound
	}
	return nil, errors.New("memStore does not stream bodies")
}

func (m *memStore) Put(ctx context.Context, name string, key Key, captured *Captured) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.entries[name]
	if !ok {
		return nil, ErrSnapshotMissing
	}
	entries[key] = captured
	return &Entry{Key: key, Status: captured.Status}, nil
}

func (m *memStore) Stage(ctx context.Context, name string) (Staging, error) {
	return &memStaging{store: m, name: name, entries: make(map[Key]*Captured)}, nil
}

type memStaging struct {
	store   *memStore
	name    string
	entries map[Key]*Captured
}

func (st *memStaging) Put(ctx context.Context, key Key, captured *Captured) error {
	st.entries[key] = captured
	return nil
}

func (st *memStaging) Commit(ctx context.Context) error {
	st.store.add(st.name)
	st.store.mu.Lock()
	st.store.entries[st.name] = st.entries
	st.store.mu.Unlock()
	return nil
}

func (st *memStaging) Discard() error {
	return nil
}

func TestBaseNameForScope(t *testing.T) {
	if got := BaseNameForScope("/"); got != "offgate--v" {
		t.Fatalf("unexpected base name: %q", got)
	}
	if got := BaseNameForScope("/app/"); got != "offgate-app--v" {
		t.Fatalf("unexpected base name: %q", got)
	}
	if got := BaseNameForScope("/docs/v2/"); got != "offgate-docs-v2--v" {
		t.Fatalf("unexpected base name: %q", got)
	}
	if got := BaseNameForScope("/a//b--c/"); got != "offgate-a-b-c--v" {
		t.Fatalf("separator runs must collapse: %q", got)
	}
}

func TestBaseNamesAreNotMutualPrefixes(t *testing.T) {
	// 同一存储目录可被多个部署共享；一个部署的前缀若是另一个部署快照名
	// 的前缀，注册表就会把别人的快照当成自己的。
	scopes := []string{"/", "/v2/", "/app/", "/app/v2/", "/apple/"}
	for _, a := range scopes {
		for _, b := range scopes {
			if a == b {
				continue
			}
			name := NewRegistry(newMemStore(), b, "", 0, nil).SnapshotName("1")
			if strings.HasPrefix(name, BaseNameForScope(a)) {
				t.Fatalf("scope %q claims snapshot %q of scope %q", a, name, b)
			}
		}
	}
}

func TestRegistryListFiltersByBaseName(t *testing.T) {
	store := newMemStore()
	store.add("offgate-app--v1")
	store.add("other-deploy-v1")
	store.add("offgate-app--v2")

	registry := NewRegistry(store, "/app/", "", 0, nil)
	owned, err := registry.List(context.Background())
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("unexpected snapshot count: %d", len(owned))
	}
	if owned[0].Name != "offgate-app--v1" || owned[1].Name != "offgate-app--v2" {
		t.Fatalf("unexpected order: %v", owned)
	}
}

func TestIsUpdatePending(t *testing.T) {
	store := newMemStore()
	registry := NewRegistry(store, "/app/", "", 0, nil)
	ctx := context.Background()

	pending, err := registry.IsUpdatePending(ctx)
	if err != nil || pending {
		t.Fatalf("expected no pending update: %v %v", pending, err)
	}

	store.add("offgate-app--v1")
	if pending, _ = registry.IsUpdatePending(ctx); pending {
		t.Fatal("single snapshot must not be pending")
	}

	store.add("offgate-app--v2")
	if pending, _ = registry.IsUpdatePending(ctx); !pending {
		t.Fatal("two snapshots must report pending")
	}
}

func TestSelectSingleSnapshot(t *testing.T) {
	store := newMemStore()
	store.add("offgate-app--v1")
	registry := NewRegistry(store, "/app/", "", 0, nil)

	name, err := registry.SelectForRequest(context.Background(), true, 1)
	if err != nil {
		t.Fatalf("select error: %v", err)
	}
	if name != "offgate-app--v1" {
		t.Fatalf("unexpected snapshot: %s", name)
	}
}

func TestSelectNonNavigationKeepsOldest(t *testing.T) {
	store := newMemStore()
	store.add("offgate-app--v1")
	store.add("offgate-app--v2")
	registry := NewRegistry(store, "/app/", "", 0, nil)

	name, err := registry.SelectForRequest(context.Background(), false, 1)
	if err != nil {
		t.Fatalf("select error: %v", err)
	}
	if name != "offgate-app--v1" {
		t.Fatalf("non-navigation must keep oldest, got %s", name)
	}
	if ok, _ := store.Exists(context.Background(), "offgate-app--v2"); !ok {
		t.Fatal("newer snapshot must survive non-navigation request")
	}
}

func TestSelectNavigationDefersWithMultipleClients(t *testing.T) {
	store := newMemStore()
	store.add("offgate-app--v1")
	store.add("offgate-app--v2")
	registry := NewRegistry(store, "/app/", "", 0, nil)

	name, err := registry.SelectForRequest(context.Background(), true, 2)
	if err != nil {
		t.Fatalf("select error: %v", err)
	}
	if name != "offgate-app--v1" {
		t.Fatalf("contended navigation must keep oldest, got %s", name)
	}
	if ok, _ := store.Exists(context.Background(), "offgate-app--v1"); !ok {
		t.Fatal("oldest snapshot must not be deleted while contended")
	}
}

func TestSelectNavigationPromotesWithSingleClient(t *testing.T) {
	store := newMemStore()
	store.add("offgate-app--v1")
	store.add("offgate-app--v2")
	registry := NewRegistry(store, "/app/", "", 0, nil)

	name, err := registry.SelectForRequest(context.Background(), true, 1)
	if err != nil {
		t.Fatalf("select error: %v", err)
	}
	if name != "offgate-app--v2" {
		t.Fatalf("expected promotion to newest, got %s", name)
	}
	if ok, _ := store.Exists(context.Background(), "offgate-app--v1"); ok {
		t.Fatal("old snapshot must be deleted after promotion")
	}
	if ok, _ := store.Exists(context.Background(), "offgate-app--v2"); !ok {
		t.Fatal("newest snapshot must remain")
	}
}

func TestPromotionCleansSecondaryGroup(t *testing.T) {
	store := newMemStore()
	store.add("legacy-a")
	store.add("legacy-b")
	store.add("legacy-c")
	store.add("offgate-app--v1")
	store.add("offgate-app--v2")
	registry := NewRegistry(store, "/app/", "legacy-", 1, nil)

	if _, err := registry.SelectForRequest(context.Background(), true, 1); err != nil {
		t.Fatalf("select error: %v", err)
	}

	for _, name := range []string{"legacy-a", "legacy-b"} {
		if ok, _ := store.Exists(context.Background(), name); ok {
			t.Fatalf("secondary snapshot %s should be cleaned", name)
		}
	}
	if ok, _ := store.Exists(context.Background(), "legacy-c"); !ok {
		t.Fatal("most recent secondary snapshot should be retained")
	}
}

func TestSelectWithoutSnapshots(t *testing.T) {
	registry := NewRegistry(newMemStore(), "/app/", "", 0, nil)
	if _, err := registry.SelectForRequest(context.Background(), false, 1); !errors.Is(err, ErrSnapshotMissing) {
		t.Fatalf("expected ErrSnapshotMissing, got %v", err)
	}
}

func TestSnapshotNameSanitizesVersion(t *testing.T) {
	registry := NewRegistry(newMemStore(), "/app/", "", 0, nil)
	if got := registry.SnapshotName("2024/05 beta"); got != "offgate-app--v2024-05-beta" {
		t.Fatalf("unexpected snapshot name: %q", got)
	}
}
