//go:build linux

package offline0

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// processRSSBytes returns the resident set size of this process. ok is false
// when /proc is unavailable.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

// processAnonBytes reads the anonymous share of RSS from smaps_rollup, which
// separates heap growth from the leveldb file mappings.
func processAnonBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Anonymous" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

func processMemoryFields() []zap.Field {
	var out []zap.Field
	if rss, ok := processRSSBytes(); ok {
		out = append(out, zap.String("rss", formatBytes(rss)))
	}
	if anon, ok := processAnonBytes(); ok {
		out = append(out, zap.String("anon", formatBytes(anon)))
	}
	return out
}
