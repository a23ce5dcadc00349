package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// startPrecache installs the configured manifest in the background and keeps
// it current: on file changes when precache.watch is set, and on the
// precache.refresh schedule.
func (s *Service) startPrecache() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refreshPrecacheLogged("startup")
	}()

	if s.cfg.Precache.Watch && s.manifestIsFile() {
		if err := s.watchManifest(); err != nil {
			s.log.Warn("manifest watch disabled", zap.Error(err))
		}
	}

	if sched := s.cfg.Precache.Refresh; sched != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(sched, func() { s.refreshPrecacheLogged("schedule") }); err != nil {
			s.log.Warn("precache refresh disabled", zap.String("refresh", sched), zap.Error(err))
			s.cron = nil
			return
		}
		s.cron.Start()
	}
}

func (s *Service) refreshPrecacheLogged(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	if _, err := s.RefreshPrecache(ctx); err != nil {
		s.log.Warn("precache install failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// RefreshPrecache loads the manifest and installs it. When a new version
// becomes active the resource store is cleared: its entries refer to assets
// of the previous build.
func (s *Service) RefreshPrecache(ctx context.Context) (changed bool, err error) {
	entries, err := s.loadManifest(ctx)
	if err != nil {
		s.metrics.precacheInstall.WithLabelValues("error").Inc()
		return false, err
	}
	changed, err = s.precache.Install(ctx, entries, s.fetchAsset, s.cfg.Precache.Concurrency)
	if err != nil {
		s.metrics.precacheInstall.WithLabelValues("error").Inc()
		return false, err
	}
	if !changed {
		s.metrics.precacheInstall.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	s.metrics.precacheInstall.WithLabelValues("activated").Inc()
	s.metrics.precacheEntries.Set(float64(s.precache.Len()))
	if err := s.store.Clear(ctx); err != nil {
		s.log.Warn("resource store not cleared after precache update", zap.Error(err))
	}
	return true, nil
}

func (s *Service) manifestIsFile() bool {
	fi, err := os.Stat(s.cfg.Precache.Manifest)
	return err == nil && !fi.IsDir()
}

func (s *Service) loadManifest(ctx context.Context) ([]PrecacheEntry, error) {
	src := strings.TrimSpace(s.cfg.Precache.Manifest)
	var (
		body []byte
		err  error
	)
	if s.manifestIsFile() {
		body, err = os.ReadFile(src)
	} else {
		src = s.normalizeMaybeRelativeURL(src)
		body, err = s.fetchManifest(ctx, src)
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest %q: %w", src, err)
	}
	return ParsePrecacheManifest(maybeGunzip(src, body))
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return s.cfg.Server.Origin + normalizePath(u)
}

func (s *Service) fetchManifest(ctx context.Context, manifestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return io.ReadAll(resp.Body)
}

// maybeGunzip inflates .gz sources and gzip-magic bodies. A body the
// transport already decompressed passes through unchanged.
func maybeGunzip(src string, body []byte) []byte {
	gzMagic := len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
	if !gzMagic && !strings.HasSuffix(strings.ToLower(src), ".gz") {
		return body
	}
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return body
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		return body
	}
	return out
}

// watchManifest reinstalls the precache when the manifest file is written
// or replaced. The directory is watched so atomic renames are seen.
func (s *Service) watchManifest() error {
	path, err := filepath.Abs(s.cfg.Precache.Manifest)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()

		// editors and build tools write in bursts
		const settle = 250 * time.Millisecond
		var pending <-chan time.Time
		for {
			select {
			case <-s.stopCh:
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != path {
					continue
				}
				if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
					pending = time.After(settle)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("manifest watcher", zap.Error(err))
			case <-pending:
				pending = nil
				s.refreshPrecacheLogged("watch")
			}
		}
	}()
	return nil
}
