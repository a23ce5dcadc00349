package offline0

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: https://blog.example/\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Origin != "https://blog.example" {
		t.Errorf("origin = %q, want trailing slash trimmed", cfg.Server.Origin)
	}
	if cfg.Server.Port != 8080 || cfg.Routes.Namespace != "offline0" || cfg.Storage.Resources.Driver != "leveldb" {
		t.Errorf("defaults not applied: %+v", cfg.Server)
	}
	if cfg.Storage.ramMaxBytes != 64<<20 || cfg.Storage.diskMaxBytes != 1<<30 {
		t.Errorf("sizes = %d, %d", cfg.Storage.ramMaxBytes, cfg.Storage.diskMaxBytes)
	}
	if !cfg.htmlAcceptIsNavigation() {
		t.Error("htmlAcceptIsNavigation should default to true")
	}
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 9000
  origin: http://localhost:8000
storage:
  ram: {max: 10m}
  disk: {max: 0, path: /tmp/db}
  resources:
    driver: redis
    redis: {addr: "redis:6379", db: 2}
precache:
  manifest: public/precache-manifest.json
  appBundle: app-123.js
  shell: offline/index.html
  refresh: "*/15 * * * *"
routes:
  namespace: sw
  htmlAcceptIsNavigation: false
logging:
  format: json
  logStatsEvery: 1m
rules:
  - match: PathPrefix(/api) | PathPrefix(/admin)
    priority: 2
    bypass: true
  - match: PathPrefix(/)
    priority: 1
    expiration: 10m
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.diskMaxBytes != 0 {
		t.Errorf("disk max = %d, want unlimited", cfg.Storage.diskMaxBytes)
	}
	if cfg.Precache.AppBundle != "/app-123.js" || cfg.Precache.Shell != "/offline/index.html" {
		t.Errorf("paths not normalized: %q %q", cfg.Precache.AppBundle, cfg.Precache.Shell)
	}
	if cfg.htmlAcceptIsNavigation() {
		t.Error("htmlAcceptIsNavigation not read")
	}
	if cfg.Logging.logStatsEveryDur != time.Minute {
		t.Errorf("logStatsEvery = %v", cfg.Logging.logStatsEveryDur)
	}
	if len(cfg.Rules) != 2 || cfg.Rules[0].Priority != 1 {
		t.Fatalf("rules not sorted by priority: %+v", cfg.Rules)
	}
	if cfg.Rules[0].expDur != 10*time.Minute {
		t.Errorf("expiration = %v", cfg.Rules[0].expDur)
	}
	api := cfg.Rules[1]
	if !api.Matches("/admin/x") || !api.Matches("/api") || api.Matches("/blog") {
		t.Error("PathPrefix alternatives not compiled")
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no origin", "server: {port: 80}", "server.origin"},
		{"bad origin", "server: {origin: not a url}", "validation"},
		{"bad port", "server: {origin: http://o, port: 70000}", "validation"},
		{"bad driver", "server: {origin: http://o}\nstorage: {resources: {driver: etcd}}", "validation"},
		{"bad namespace", "server: {origin: http://o}\nroutes: {namespace: a/b}", "validation"},
		{"bad size", "server: {origin: http://o}\nstorage: {ram: {max: lots}}", "storage.ram.max"},
		{"bad cron", "server: {origin: http://o}\nprecache: {refresh: every day}", "precache.refresh"},
		{"bad pattern", "server: {origin: http://o}\nroutes: {cacheFirst: ['**/[.js']}", "routes.cacheFirst[0]"},
		{"bad match", "server: {origin: http://o}\nrules: [{match: Host(x)}]", "rules[0].match"},
		{"bad expiration", "server: {origin: http://o}\nrules: [{match: PathPrefix(/), expiration: soon}]", "rules[0].expiration"},
		{"not yaml", "server: [", "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParseConfigNoOrigin(t *testing.T) {
	if _, err := ParseConfig([]byte("{}")); !errors.Is(err, ErrNoOrigin) {
		t.Errorf("err = %v, want ErrNoOrigin", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline0.yaml")
	if err := os.WriteFile(path, []byte("server:\n  origin: http://localhost:8000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil || cfg.Server.Origin != "http://localhost:8000" {
		t.Fatalf("LoadConfig() = %q, %v", cfg.Server.Origin, err)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestOpenResourceStoreUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Resources.Driver = "etcd"
	if _, err := openResourceStore(cfg, newTestDB(t), nil); !errors.Is(err, ErrUnknownStoreDriver) {
		t.Errorf("err = %v, want ErrUnknownStoreDriver", err)
	}
}
