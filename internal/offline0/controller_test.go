package offline0

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"
)

const testShell = "/offline-plugin-app-shell-fallback/index.html"

type fakeShell map[string]CacheEntry

func (f fakeShell) Lookup(u string) (CacheEntry, bool) {
	ent, ok := f[u]
	return ent, ok
}

type controllerFixture struct {
	ctrl    *Controller
	store   *memoryStore
	cache   *fakeCache
	network int
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		store: newMemoryStore(),
		cache: newFakeCache(testBundle),
	}
	shell := fakeShell{testShell: {
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("<html>shell</html>"),
	}}
	eval := NewEvaluator(f.store, f.cache, testBundle, "blog.example", zap.NewNop())
	network := func(w http.ResponseWriter, r *http.Request, reason string) {
		f.network++
		setOutcomeHeader(w.Header(), reason)
		_, _ = w.Write([]byte("from network"))
	}
	f.ctrl = NewController(eval, f.store, shell, testShell, "offline0", network, zap.NewNop())
	return f
}

func navigate(ctrl *Controller, target string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	w := httptest.NewRecorder()
	ctrl.HandleNavigation(w, r)
	return w
}

func TestControllerServesShellWhenComplete(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	if err := f.ctrl.Dispatch(ctx, ControlMessage{Op: OpSetPathResources, Path: "/blog/post-1", Resources: []string{"a.js", "b.css"}}, "test"); err != nil {
		t.Fatal(err)
	}
	f.cache.keys["/a.js"] = true
	f.cache.keys["/b.css"] = true

	w := navigate(f.ctrl, "/blog/post-1")
	if got := w.Body.String(); got != "<html>shell</html>" {
		t.Fatalf("body = %q, want the shell", got)
	}
	if got := w.Header().Get(outcomeHeader); got != outcomeShell {
		t.Errorf("%s = %q, want %q", outcomeHeader, got, outcomeShell)
	}
	if f.network != 0 {
		t.Errorf("network called %d times", f.network)
	}

	// drop b.css: the same navigation now goes to the network
	delete(f.cache.keys, "/b.css")
	w = navigate(f.ctrl, "/blog/post-1")
	if w.Body.String() != "from network" || f.network != 1 {
		t.Errorf("body = %q, network = %d, want a network fetch", w.Body.String(), f.network)
	}
}

func TestControllerClearPathResources(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	_ = f.ctrl.Dispatch(ctx, ControlMessage{Op: OpSetPathResources, Path: "/about", Resources: []string{"/a.js"}}, "test")
	f.cache.keys["/a.js"] = true

	if d, _ := f.ctrl.Decide(ctx, httptest.NewRequest(http.MethodGet, "/about", nil)); d != DecisionShell {
		t.Fatalf("Decide() = %v before clear, want shell", d)
	}
	if err := f.ctrl.Dispatch(ctx, ControlMessage{Op: OpClearPathResources}, "test"); err != nil {
		t.Fatal(err)
	}
	if d, _ := f.ctrl.Decide(ctx, httptest.NewRequest(http.MethodGet, "/about", nil)); d != DecisionNetwork {
		t.Errorf("Decide() = %v after clear, want network", d)
	}
}

func TestControllerDisabledAlwaysUsesNetwork(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	_ = f.ctrl.Dispatch(ctx, ControlMessage{Op: OpSetPathResources, Path: "/", Resources: nil}, "test")
	_ = f.ctrl.Dispatch(ctx, ControlMessage{Op: OpDisableOfflineShell}, "test")

	if f.ctrl.State().Enabled() {
		t.Fatal("state still enabled")
	}
	w := navigate(f.ctrl, "/")
	if w.Body.String() != "from network" {
		t.Errorf("body = %q, want network", w.Body.String())
	}
	if got := w.Header().Get(outcomeHeader); got != outcomeBypass {
		t.Errorf("%s = %q, want %q", outcomeHeader, got, outcomeBypass)
	}
	if len(f.cache.probes) != 0 {
		t.Errorf("disabled controller probed the cache: %v", f.cache.probes)
	}
	if got := f.ctrl.State().LastNavigationURL(); got != "" {
		t.Errorf("LastNavigationURL() = %q, want it untouched while disabled", got)
	}

	_ = f.ctrl.Dispatch(ctx, ControlMessage{Op: OpEnableOfflineShell}, "test")
	if w := navigate(f.ctrl, "/"); w.Body.String() != "<html>shell</html>" {
		t.Errorf("after enable body = %q, want shell", w.Body.String())
	}
}

func TestControllerMissingShellFallsBack(t *testing.T) {
	f := newControllerFixture(t)
	f.ctrl.shell = fakeShell{}
	_ = f.ctrl.Dispatch(context.Background(), ControlMessage{Op: OpSetPathResources, Path: "/"}, "test")

	if w := navigate(f.ctrl, "/"); w.Body.String() != "from network" {
		t.Errorf("body = %q, want network", w.Body.String())
	}
}

func TestControllerControlRequests(t *testing.T) {
	f := newControllerFixture(t)
	navigate(f.ctrl, "/foo")

	tests := []struct {
		name         string
		target       string
		wantStatus   int
		wantLocation string
		wantEnabled  bool
	}{
		{"disable without redirect", "/.offline0:disableOfflineShell", http.StatusOK, "", false},
		{"enable with redirect", "/.offline0:api=enableOfflineShell&redirect=true", http.StatusFound, "/foo", true},
		{"unknown op ignored", "/.offline0:api=reboot&redirect=true", http.StatusFound, "/foo", true},
		{"bare unknown", "/.offline0:reboot", http.StatusOK, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := navigate(f.ctrl, tt.target)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
			if w.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", w.Body.String())
			}
			if got := f.ctrl.State().Enabled(); got != tt.wantEnabled {
				t.Errorf("Enabled() = %v, want %v", got, tt.wantEnabled)
			}
		})
	}
	if got := f.ctrl.State().LastNavigationURL(); got != "/foo" {
		t.Errorf("control requests changed LastNavigationURL to %q", got)
	}
}

func TestControllerRedirectBeforeAnyNavigation(t *testing.T) {
	f := newControllerFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/.offline0:enableOfflineShell?redirect=true", nil)
	w := httptest.NewRecorder()
	f.ctrl.HandleControl(w, r)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Errorf("got %d Location %q, want 302 to /", w.Code, w.Header().Get("Location"))
	}
}

func TestControllerRecordsQueryInLastNavigation(t *testing.T) {
	f := newControllerFixture(t)
	navigate(f.ctrl, "/search/?q=swift")
	if got := f.ctrl.State().LastNavigationURL(); got != "/search/?q=swift" {
		t.Errorf("LastNavigationURL() = %q", got)
	}
}

func TestControllerStoreFailureIsNotFatal(t *testing.T) {
	f := newControllerFixture(t)
	f.ctrl.store = failingStore{}
	f.ctrl.eval.store = failingStore{}

	r := httptest.NewRequest(http.MethodGet, "/.offline0:api=setPathResources&path=/x&resources=a.js", nil)
	w := httptest.NewRecorder()
	f.ctrl.HandleControl(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w := navigate(f.ctrl, "/x"); w.Body.String() != "from network" {
		t.Errorf("body = %q, want network", w.Body.String())
	}
}

func TestControllerConcurrentUse(t *testing.T) {
	f := newControllerFixture(t)
	f.cache.keys["/a.js"] = true
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.ctrl.Dispatch(context.Background(), ControlMessage{Op: OpSetPathResources, Path: "/", Resources: []string{"/a.js"}}, "test")
		}()
		go func() {
			defer wg.Done()
			d, _ := f.ctrl.Decide(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
			if d == DecisionDisabled {
				t.Error("Decide() = disabled")
			}
		}()
	}
	wg.Wait()
}
