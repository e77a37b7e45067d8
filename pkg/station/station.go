// Package station loads the configured stations and exposes them as a fixed,
// read-only registry keyed by station name.
package station

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Station is one configured audio source. Stations are immutable after load.
type Station struct {
	Name        string `json:"name"`
	URL         string `json:"-"`
	Description string `json:"description"`
}

// Registry holds the stations loaded at startup. Names are unique and never change.
type Registry struct {
	byName map[string]Station
	order  []string
}

func NewRegistry(stations ...Station) *Registry {
	r := &Registry{byName: make(map[string]Station, len(stations))}
	for _, st := range stations {
		if _, ok := r.byName[st.Name]; ok {
			continue
		}
		r.byName[st.Name] = st
		r.order = append(r.order, st.Name)
	}
	sort.Strings(r.order)
	return r
}

func (r *Registry) Get(name string) (Station, bool) {
	st, ok := r.byName[name]
	return st, ok
}

// List returns all stations ordered by name.
func (r *Registry) List() []Station {
	out := make([]Station, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	return len(r.order)
}

// LoadFile reads a station file from disk.
func LoadFile(path string, logger *slog.Logger) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open station file %s: %w", path, err)
	}
	defer f.Close()

	return Load(f, logger)
}

// Load parses station lines of the form name|sourceURL|description. Blank lines and
// lines starting with // are ignored. Lines without a name or URL, and repeated
// names, are skipped with a warning.
func Load(r io.Reader, logger *slog.Logger) (*Registry, error) {
	var (
		stations []Station
		seen     = make(map[string]struct{})
		lineNo   int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		parts := strings.SplitN(line, "|", 3)
		st := Station{Name: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			st.URL = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			st.Description = strings.TrimSpace(parts[2])
		}

		if st.Name == "" || st.URL == "" {
			logger.Warn("skipping station line without name or url", "line", lineNo)
			continue
		}

		if _, ok := seen[st.Name]; ok {
			logger.Warn("skipping duplicate station", "line", lineNo, "station", st.Name)
			continue
		}
		seen[st.Name] = struct{}{}

		stations = append(stations, st)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read station file: %w", err)
	}

	logger.Info("loaded stations", "count", len(stations))

	return NewRegistry(stations...), nil
}
