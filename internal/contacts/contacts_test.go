package contacts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestStaticDirectoryLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.yaml")
	content := `
shared:
  - name: Treasury
    address: "0x00000000000000000000000000000000000000ff"
users:
  u1:
    - name: Alice Zhang
      alias: ali
      address: "0x00000000000000000000000000000000000000a1"
    - name: Bob
      internal_name: bob.eth
      address: "0x00000000000000000000000000000000000000b2"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dir, err := LoadStaticDirectory(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := context.Background()

	cases := map[string]string{
		"@ALI":     "0x00000000000000000000000000000000000000a1",
		"bob.eth":  "0x00000000000000000000000000000000000000b2",
		"zhang":    "0x00000000000000000000000000000000000000a1",
		"treasury": "0x00000000000000000000000000000000000000ff",
	}
	for token, want := range cases {
		c, ok, err := dir.Lookup(ctx, "u1", token)
		if err != nil || !ok {
			t.Fatalf("lookup %q: ok=%v err=%v", token, ok, err)
		}
		if c.Address != want {
			t.Fatalf("lookup %q: got %s want %s", token, c.Address, want)
		}
	}

	if _, ok, _ := dir.Lookup(ctx, "u2", "alice"); ok {
		t.Fatalf("contacts of u1 must not be visible to u2")
	}
	if _, ok, _ := dir.Lookup(ctx, "u1", "a"); ok {
		t.Fatalf("ambiguous substring must not resolve")
	}
}

func TestHTTPRegistryResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/names/carol":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"address":"0x00000000000000000000000000000000000000c3","displayName":"Carol"}`))
		case "/v1/names/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg, err := NewHTTPRegistry(srv.URL + "/")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	entry, ok, err := reg.Resolve(context.Background(), "@Carol")
	if err != nil || !ok {
		t.Fatalf("resolve carol: ok=%v err=%v", ok, err)
	}
	if entry.DisplayName != "Carol" || entry.Name != "carol" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok, err := reg.Resolve(context.Background(), "nobody"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if _, _, err := reg.Resolve(context.Background(), "broken"); err == nil {
		t.Fatalf("expected server error to surface")
	}
}

type stubRegistry struct {
	calls int
	entry Entry
	err   error
}

func (s *stubRegistry) Resolve(context.Context, string) (Entry, bool, error) {
	s.calls++
	if s.err != nil {
		return Entry{}, false, s.err
	}
	return s.entry, s.entry.Address != "", nil
}

type stubRedis struct {
	redis.UniversalClient
	data   map[string]string
	getErr error
}

func (s *stubRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if s.getErr != nil {
		return redis.NewStringResult("", s.getErr)
	}
	if v, ok := s.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (s *stubRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		s.data[key] = string(v)
	case string:
		s.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func TestCachedRegistryServesFromCache(t *testing.T) {
	next := &stubRegistry{entry: Entry{Name: "dave", Address: "0x00000000000000000000000000000000000000d4", DisplayName: "Dave"}}
	cache := &stubRedis{data: map[string]string{}}
	reg, err := NewCachedRegistry(next, cache, "test", time.Minute)
	if err != nil {
		t.Fatalf("new cached registry: %v", err)
	}

	for i := 0; i < 3; i++ {
		entry, ok, err := reg.Resolve(context.Background(), "Dave")
		if err != nil || !ok || entry.DisplayName != "Dave" {
			t.Fatalf("resolve #%d: %+v ok=%v err=%v", i, entry, ok, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected a single downstream call, got %d", next.calls)
	}
	if _, ok := cache.data["test:dave"]; !ok {
		t.Fatalf("expected normalized cache key, got %v", cache.data)
	}
}

func TestCachedRegistryToleratesCacheFailure(t *testing.T) {
	next := &stubRegistry{entry: Entry{Address: "0x00000000000000000000000000000000000000e5"}}
	cache := &stubRedis{data: map[string]string{}, getErr: errors.New("connection refused")}
	reg, err := NewCachedRegistry(next, cache, "", 0)
	if err != nil {
		t.Fatalf("new cached registry: %v", err)
	}
	if _, ok, err := reg.Resolve(context.Background(), "eve"); !ok || err != nil {
		t.Fatalf("expected downstream hit despite cache failure, ok=%v err=%v", ok, err)
	}
}
