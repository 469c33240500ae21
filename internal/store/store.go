// Package store holds the route and filter configuration the forwarders and
// the admission filter read, loaded from a YAML file.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/coman3/YetAnotherProxyManager/internal/filter"
	"github.com/coman3/YetAnotherProxyManager/internal/geo"
	"github.com/coman3/YetAnotherProxyManager/internal/logger"
	"github.com/coman3/YetAnotherProxyManager/internal/route"
)

// ErrNotFound is returned when a route does not exist.
var ErrNotFound = errors.New("not found")

// Snapshot is the full contents of the store, and the layout of the routes file.
type Snapshot struct {
	Routes  []route.Route          `yaml:"routes"`
	Filters []filter.Configuration `yaml:"filters,omitempty"`
	Geo     []geo.TableEntry       `yaml:"geo,omitempty"`
}

// Validate checks every route and filter, and the constraints between them.
func (s *Snapshot) Validate() error {
	ids := make(map[string]bool, len(s.Routes))
	for _, r := range s.Routes {
		if err := r.Validate(); err != nil {
			return err
		}
		if ids[r.ID] {
			return fmt.Errorf("duplicate route id %s", r.ID)
		}
		ids[r.ID] = true
	}
	if err := route.CheckListenConflicts(s.Routes); err != nil {
		return err
	}

	seen := make(map[string]bool, len(s.Filters))
	for i := range s.Filters {
		cfg := &s.Filters[i]
		if !ids[cfg.RouteID] {
			return fmt.Errorf("filter for unknown route %s", cfg.RouteID)
		}
		if seen[cfg.RouteID] {
			return fmt.Errorf("duplicate filter for route %s", cfg.RouteID)
		}
		seen[cfg.RouteID] = true
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("filter for route %s: %w", cfg.RouteID, err)
		}
	}
	return nil
}

// Store is an in-memory route and filter store. When backed by a file, every
// mutation is written back to it.
type Store struct {
	mu         sync.RWMutex
	path       string
	routes     map[string]route.Route
	filters    map[string]filter.Configuration
	geoEntries []geo.TableEntry
	geo        *geo.Table

	subMu   sync.Mutex
	subs    map[uint64]func()
	nextSub uint64
}

// New returns an empty store that is not backed by a file.
func New() *Store {
	table, _ := geo.NewTable(nil)
	return &Store{
		routes:  make(map[string]route.Route),
		filters: make(map[string]filter.Configuration),
		geo:     table,
		subs:    make(map[uint64]func()),
	}
}

// Open creates a store backed by path and loads it. A missing file yields an
// empty store that is created on the first mutation.
func Open(path string) (*Store, error) {
	s := New()
	if err := s.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Geo returns the static geolocation table loaded from the routes file. The
// table is updated in place on every load.
func (s *Store) Geo() *geo.Table {
	return s.geo
}

// Path returns the backing file, if any.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// LoadFile reads, validates and applies the routes file at path. path becomes
// the backing file even if loading fails; the contents are only replaced on success.
func (s *Store) LoadFile(path string) error {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()

	snap, err := readSnapshot(path)
	if err != nil {
		return err
	}
	if err := s.apply(snap, false); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	logger.Info("routes loaded", "path", path, "routes", len(snap.Routes), "filters", len(snap.Filters), "geo", len(snap.Geo))
	return nil
}

// Reload re-reads the backing file.
func (s *Store) Reload() error {
	path := s.Path()
	if path == "" {
		return errors.New("store is not backed by a file")
	}
	return s.LoadFile(path)
}

func readSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil && !errors.Is(err, io.EOF) {
		return snap, fmt.Errorf("parse %s: %w", path, err)
	}
	return snap, nil
}

// Apply replaces the whole contents of the store with snap.
func (s *Store) Apply(snap Snapshot) error {
	return s.apply(snap, true)
}

func (s *Store) apply(snap Snapshot, persist bool) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	routes := make(map[string]route.Route, len(snap.Routes))
	for _, r := range snap.Routes {
		routes[r.ID] = cloneRoute(r)
	}
	filters := make(map[string]filter.Configuration, len(snap.Filters))
	for _, cfg := range snap.Filters {
		filters[cfg.RouteID] = cfg
	}

	s.mu.Lock()
	if err := s.geo.Replace(snap.Geo); err != nil {
		s.mu.Unlock()
		return err
	}
	s.routes = routes
	s.filters = filters
	s.geoEntries = snap.Geo
	var err error
	if persist {
		err = s.save()
	}
	s.mu.Unlock()

	s.notify()
	return err
}

// Snapshot returns the current contents ordered by route id.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Geo: append([]geo.TableEntry(nil), s.geoEntries...)}
	for _, id := range s.sortedIDs() {
		snap.Routes = append(snap.Routes, cloneRoute(s.routes[id]))
		if cfg, ok := s.filters[id]; ok {
			snap.Filters = append(snap.Filters, cfg)
		}
	}
	return snap
}

// save writes to disk. Caller must hold lock.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s.snapshotLocked())
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".routes-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.routes))
	for id := range s.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneRoute(r route.Route) route.Route {
	if r.Stream != nil {
		stream := *r.Stream
		r.Stream = &stream
	}
	return r
}

// Routes returns every route ordered by id.
func (s *Store) Routes() []route.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]route.Route, 0, len(s.routes))
	for _, id := range s.sortedIDs() {
		list = append(list, cloneRoute(s.routes[id]))
	}
	return list
}

// Route returns the route with id.
func (s *Store) Route(id string) (route.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return route.Route{}, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return cloneRoute(r), nil
}

// EnabledRoutesByProtocol returns the enabled routes of protocol p ordered by id.
func (s *Store) EnabledRoutesByProtocol(p route.Protocol) []route.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []route.Route
	for _, id := range s.sortedIDs() {
		r := s.routes[id]
		if r.Enabled && r.Protocol == p {
			list = append(list, cloneRoute(r))
		}
	}
	return list
}

// FilterConfiguration returns the filter of a route, or nil if it has none.
func (s *Store) FilterConfiguration(routeID string) (*filter.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.filters[routeID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// SaveRoute adds or replaces a route.
func (s *Store) SaveRoute(r route.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.mutate(func() error {
		candidate := make([]route.Route, 0, len(s.routes)+1)
		for id, other := range s.routes {
			if id != r.ID {
				candidate = append(candidate, other)
			}
		}
		candidate = append(candidate, r)
		if err := route.CheckListenConflicts(candidate); err != nil {
			return err
		}
		s.routes[r.ID] = cloneRoute(r)
		return nil
	})
}

// DeleteRoute removes a route and its filter.
func (s *Store) DeleteRoute(id string) error {
	return s.mutate(func() error {
		if _, ok := s.routes[id]; !ok {
			return fmt.Errorf("route %s: %w", id, ErrNotFound)
		}
		delete(s.routes, id)
		delete(s.filters, id)
		return nil
	})
}

// SetEnabled enables or disables a route.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.RLock()
	r, ok := s.routes[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	r.Enabled = enabled
	return s.SaveRoute(r)
}

// SaveFilter adds or replaces the filter of an existing route.
func (s *Store) SaveFilter(cfg filter.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.mutate(func() error {
		if _, ok := s.routes[cfg.RouteID]; !ok {
			return fmt.Errorf("route %s: %w", cfg.RouteID, ErrNotFound)
		}
		s.filters[cfg.RouteID] = cfg
		return nil
	})
}

// mutate runs fn under the write lock, persists, and notifies subscribers if
// fn succeeded.
func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	if err := fn(); err != nil {
		s.mu.Unlock()
		return err
	}
	err := s.save()
	s.mu.Unlock()

	s.notify()
	return err
}

// Subscribe registers fn to be called after every change. fn runs on the
// mutating goroutine and must not block. The returned function unsubscribes.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
