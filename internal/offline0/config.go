package offline0

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoOrigin           = errors.New("server.origin is required")
	ErrUnknownStoreDriver = errors.New("unknown resource store driver")
)

type Config struct {
	Storage struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max  string `yaml:"max"`
			Path string `yaml:"path"`
		} `yaml:"disk"`
		Resources struct {
			Driver string `yaml:"driver" validate:"oneof=leveldb redis memory"`
			Redis  struct {
				Addr     string `yaml:"addr"`
				Password string `yaml:"password"`
				DB       int    `yaml:"db" validate:"min=0"`
				Prefix   string `yaml:"prefix"`
			} `yaml:"redis"`
		} `yaml:"resources"`

		ramMaxBytes  int64
		diskMaxBytes int64
	} `yaml:"storage"`

	Server struct {
		Port   int    `yaml:"port" validate:"min=1,max=65535"`
		Origin string `yaml:"origin" validate:"required,url"`
	} `yaml:"server"`

	Precache struct {
		// Manifest is a file path or a URL (absolute, or relative to the origin)
		// of the JSON precache manifest.
		Manifest    string `yaml:"manifest"`
		AppBundle   string `yaml:"appBundle"`
		Shell       string `yaml:"shell"`
		Concurrency int    `yaml:"concurrency" validate:"min=1,max=256"`
		Refresh     string `yaml:"refresh"`
		Watch       bool   `yaml:"watch"`
	} `yaml:"precache"`

	Routes struct {
		Namespace              string   `yaml:"namespace" validate:"required,excludesall=/:?&"`
		DataSegment            string   `yaml:"dataSegment" validate:"required"`
		CacheFirst             []string `yaml:"cacheFirst"`
		StaleWhileRevalidate   []string `yaml:"staleWhileRevalidate"`
		HTMLAcceptIsNavigation *bool    `yaml:"htmlAcceptIsNavigation"`
	} `yaml:"routes"`

	Channel struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" validate:"required,startswith=/"`
	} `yaml:"channel"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" validate:"required,startswith=/"`
	} `yaml:"metrics"`

	Logging struct {
		Level         string `yaml:"level" validate:"oneof=debug info warn warning error"`
		Format        string `yaml:"format" validate:"oneof=console json"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules" validate:"dive"`
}

type Rule struct {
	Match             string   `yaml:"match" validate:"required"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`
	Expiration        string   `yaml:"expiration"`

	matchers []pathPrefixMatcher
	expDur   time.Duration
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// DefaultConfig returns a Config with every optional field filled in.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Storage.RAM.Max = "64m"
	cfg.Storage.Disk.Max = "1g"
	cfg.Storage.Disk.Path = "./data/leveldb"
	cfg.Storage.Resources.Driver = "leveldb"
	cfg.Storage.Resources.Redis.Addr = "localhost:6379"
	cfg.Storage.Resources.Redis.Prefix = "offline0"
	cfg.Precache.AppBundle = "/app.js"
	cfg.Precache.Shell = "/offline-plugin-app-shell-fallback/index.html"
	cfg.Precache.Concurrency = 8
	cfg.Routes.Namespace = "offline0"
	cfg.Routes.DataSegment = "/page-data/"
	cfg.Routes.CacheFirst = []string{"**/*.js", "**/*.css", "**/static/**"}
	cfg.Routes.StaleWhileRevalidate = []string{
		"**/*.{png,jpg,jpeg,webp,avif,svg,gif,tiff,ico}",
		"**/*.{woff,woff2,ttf,otf}",
		"**/*.{json,webmanifest}",
	}
	cfg.Channel.Path = "/.offline0/channel"
	cfg.Metrics.Path = "/.offline0/metrics"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML over DefaultConfig, validates it and compiles
// sizes, durations and matchers.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Server.Origin) == "" {
		return Config{}, ErrNoOrigin
	}
	if cfg.Storage.Resources.Driver == "" {
		cfg.Storage.Resources.Driver = "leveldb"
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	var err error
	if cfg.Storage.ramMaxBytes, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return Config{}, fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.diskMaxBytes, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return Config{}, fmt.Errorf("storage.disk.max: %w", err)
	}

	cfg.Precache.AppBundle = normalizePath(cfg.Precache.AppBundle)
	cfg.Precache.Shell = normalizePath(cfg.Precache.Shell)
	if cfg.Precache.Refresh != "" {
		if _, err := cron.ParseStandard(cfg.Precache.Refresh); err != nil {
			return Config{}, fmt.Errorf("precache.refresh: %w", err)
		}
	}

	for i, p := range cfg.Routes.CacheFirst {
		if !doublestar.ValidatePattern(p) {
			return Config{}, fmt.Errorf("routes.cacheFirst[%d]: bad pattern %q", i, p)
		}
	}
	for i, p := range cfg.Routes.StaleWhileRevalidate {
		if !doublestar.ValidatePattern(p) {
			return Config{}, fmt.Errorf("routes.staleWhileRevalidate[%d]: bad pattern %q", i, p)
		}
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return Config{}, fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Expiration != "" {
			d, err := time.ParseDuration(r.Expiration)
			if err != nil {
				return Config{}, fmt.Errorf("rules[%d].expiration: %w", i, err)
			}
			r.expDur = d
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return cfg, nil
}

func (c Config) htmlAcceptIsNavigation() bool {
	if c.Routes.HTMLAcceptIsNavigation == nil {
		return true
	}
	return *c.Routes.HTMLAcceptIsNavigation
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	var out []pathPrefixMatcher
	for _, p := range strings.Split(expr, "|") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		inside, ok := strings.CutPrefix(p, "PathPrefix(")
		if !ok || !strings.HasSuffix(inside, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside = strings.TrimSpace(strings.TrimSuffix(inside, ")"))
		if !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
