package offline0

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func newTestDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testResourceStore(t *testing.T, s ResourceStore) {
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "/blog/post-1"); err != nil || ok {
		t.Fatalf("Get on empty store = ok %v, err %v", ok, err)
	}

	want := []string{"/a.js", "/b.css"}
	if err := s.Set(ctx, "/blog/post-1", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "/about", nil); err != nil {
		t.Fatalf("Set empty: %v", err)
	}

	got, ok, err := s.Get(ctx, "/blog/post-1")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get = %v, want %v", got, want)
	}
	if got, ok, _ := s.Get(ctx, "/about"); !ok || len(got) != 0 {
		t.Errorf("Get(/about) = %v, %v, want empty, true", got, ok)
	}

	// overwrite
	if err := s.Set(ctx, "/blog/post-1", []string{"/c.js"}); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if got, _, _ := s.Get(ctx, "/blog/post-1"); !reflect.DeepEqual(got, []string{"/c.js"}) {
		t.Errorf("Get after overwrite = %v", got)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, p := range []string{"/blog/post-1", "/about"} {
		if _, ok, _ := s.Get(ctx, p); ok {
			t.Errorf("Get(%q) after Clear still present", p)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	testResourceStore(t, newMemoryStore())
}

func TestMemoryStoreCopiesSlices(t *testing.T) {
	s := newMemoryStore()
	in := []string{"/a.js"}
	_ = s.Set(context.Background(), "/", in)
	in[0] = "/changed.js"
	got, _, _ := s.Get(context.Background(), "/")
	if got[0] != "/a.js" {
		t.Errorf("store aliased caller slice: %v", got)
	}
}

func TestLevelStore(t *testing.T) {
	testResourceStore(t, newLevelStore(newTestDB(t)))
}

func TestLevelStoreClearKeepsOtherPrefixes(t *testing.T) {
	db := newTestDB(t)
	s := newLevelStore(db)
	if err := db.Put([]byte("e:/a.js"), []byte("x"), nil); err != nil {
		t.Fatal(err)
	}
	_ = s.Set(context.Background(), "/", []string{"/a.js"})
	if err := s.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.Has([]byte("e:/a.js"), nil); !ok {
		t.Error("Clear removed a key outside the resources namespace")
	}
}

func TestStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, s := range map[string]ResourceStore{
		"memory":  newMemoryStore(),
		"leveldb": newLevelStore(newTestDB(t)),
	} {
		if _, _, err := s.Get(ctx, "/"); err == nil {
			t.Errorf("%s: Get with canceled context returned nil error", name)
		}
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("OFFLINE0_TEST_REDIS")
	if addr == "" {
		t.Skip("OFFLINE0_TEST_REDIS not set")
	}
	s := newRedisStore(addr, "", 0, "offline0-test")
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	testResourceStore(t, s)
}
