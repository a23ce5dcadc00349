package offline0

import (
	"net/url"
	"strings"
)

// normalizePath makes p root-relative. Manifest and precache paths are
// often written without the leading slash.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// resourceKey maps a resource identifier to the request URI the caches are
// keyed by. Identifiers may be relative ("a.js"), root-relative ("/a.js") or
// absolute URLs. Absolute URLs on another host are never cached here and
// yield ok == false.
func resourceKey(originHost, id string) (key string, ok bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if strings.HasPrefix(id, "//") {
		id = "http:" + id
	}
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		u, err := url.Parse(id)
		if err != nil || !strings.EqualFold(u.Host, originHost) {
			return "", false
		}
		return u.RequestURI(), true
	}
	return normalizePath(id), true
}
