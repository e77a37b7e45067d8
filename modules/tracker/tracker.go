package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/nowplaying/modules/enrich"
	"github.com/zachfi/nowplaying/pkg/station"
	"github.com/zachfi/nowplaying/pkg/track"
)

var module = "tracker"

var tracer = otel.Tracer("nowplaying/tracker")

// ErrUnknownStation is returned for station names that are not configured.
var ErrUnknownStation = errors.New("unknown station")

// Recorder receives every confirmed track change for durable storage. Submit must
// not block.
type Recorder interface {
	Submit(e track.Entry)
}

// HistoryReader reads back durable history, used to restore state at startup.
type HistoryReader interface {
	Query(ctx context.Context, station string, limit int) ([]track.Entry, error)
}

// Tracker owns the now playing state of every station. Each station has its own
// goroutine that applies observations in arrival order, so updates for one station
// never interleave while different stations proceed independently.
type Tracker struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	registry *station.Registry
	enricher enrich.Client
	recorder Recorder
	history  HistoryReader

	stations map[string]*stationState
	changes  chan track.Snapshot

	ingestWg sync.WaitGroup
}

type observation struct {
	artist string
	title  string
}

type stationState struct {
	name    string
	mailbox chan observation

	mu      sync.RWMutex
	current track.State
	recent  *track.Ring
}

func (s *stationState) snapshot() track.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return track.Snapshot{Station: s.name, State: s.current, Recent: s.recent.List()}
}

// New creates and returns a new Tracker. recorder and history may be nil.
func New(cfg Config, logger slog.Logger, registry *station.Registry, enricher enrich.Client, recorder Recorder, history HistoryReader) (*Tracker, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = track.DefaultRingSize
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectInitial
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectBackoff {
		cfg.ReconnectBackoffMax = defaultReconnectMax
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if enricher == nil {
		enricher = enrich.Noop{DefaultImage: enrich.DefaultImage}
	}

	t := &Tracker{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		registry: registry,
		enricher: enricher,
		recorder: recorder,
		history:  history,
		stations: make(map[string]*stationState, registry.Len()),
		changes:  make(chan track.Snapshot, defaultChangesSize),
	}

	now := time.Now().UTC()
	for _, name := range registry.Names() {
		t.stations[name] = &stationState{
			name:    name,
			mailbox: make(chan observation, cfg.MailboxSize),
			current: track.Placeholder(now),
			recent:  track.NewRing(cfg.RecentSize),
		}
	}

	t.Service = services.NewBasicService(t.starting, t.running, t.stopping)

	return t, nil
}

func (t *Tracker) starting(ctx context.Context) error {
	if t.cfg.WarmFromHistory && t.history != nil {
		t.warm(ctx)
	}
	return nil
}

// warm restores the current and recent tracks from durable history so a restart
// does not record the playing track a second time.
func (t *Tracker) warm(ctx context.Context) {
	for name, st := range t.stations {
		entries, err := t.history.Query(ctx, name, t.cfg.RecentSize)
		if err != nil {
			t.logger.Warn("failed to restore station history", "station", name, "err", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		st.mu.Lock()
		for i := len(entries) - 1; i >= 0; i-- {
			st.recent.Push(entries[i])
		}
		st.current = entries[0].State()
		st.mu.Unlock()

		t.logger.Debug("restored station history", "station", name, "entries", len(entries))
	}
}

func (t *Tracker) running(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, st := range t.stations {
		wg.Add(1)
		go func(st *stationState) {
			defer wg.Done()
			t.runStation(ctx, st)
		}(st)
	}

	if t.cfg.Ingest {
		for _, st := range t.registry.List() {
			in := newIngestor(st, t.cfg, t.logger, t.Observe)
			t.ingestWg.Add(1)
			go func() {
				defer t.ingestWg.Done()
				in.run(ctx)
			}()
		}
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (t *Tracker) stopping(_ error) error {
	t.ingestWg.Wait()
	t.logger.Info("stopped")
	return nil
}

func (t *Tracker) runStation(ctx context.Context, st *stationState) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-st.mailbox:
			t.apply(ctx, st, obs)
		}
	}
}

// apply runs the change detection for one observation. Only the station's own
// goroutine calls it.
func (t *Tracker) apply(ctx context.Context, st *stationState, obs observation) {
	artist, title := track.Normalize(obs.artist, obs.title)
	if artist == "" || title == "" {
		return
	}

	// The station goroutine is the only writer, so reading current here is safe.
	if st.current.Same(artist, title) {
		metricDuplicates.WithLabelValues(st.name).Inc()
		return
	}

	ctx, span := tracer.Start(ctx, "Tracker.apply", trace.WithAttributes(
		attribute.String("station", st.name),
		attribute.String("artist", artist),
		attribute.String("title", title),
	))
	defer span.End()

	res := t.enricher.Lookup(ctx, artist, title)

	entry := track.Entry{
		Station:      st.name,
		Artist:       artist,
		Title:        title,
		ObservedAt:   time.Now().UTC(),
		ImageURL:     optional(res.ImageURL),
		ExternalLink: optional(res.ExternalLink),
	}

	st.mu.Lock()
	st.current = entry.State()
	st.recent.Push(entry)
	snap := track.Snapshot{Station: st.name, State: st.current, Recent: st.recent.List()}
	st.mu.Unlock()

	metricChanges.WithLabelValues(st.name).Inc()
	t.logger.Info("track changed", "station", st.name, "artist", artist, "title", title)

	if t.recorder != nil {
		t.recorder.Submit(entry)
	}

	select {
	case t.changes <- snap:
	default:
		metricDroppedChanges.Inc()
		t.logger.Warn("change queue full, viewers will catch up on resync", "station", st.name)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Observe hands a parsed artist and title to the station. It returns once the
// observation is queued; novelty is decided by the station goroutine.
func (t *Tracker) Observe(ctx context.Context, name, artist, title string) error {
	st, ok := t.stations[name]
	if !ok {
		return ErrUnknownStation
	}

	select {
	case st.mailbox <- observation{artist: artist, title: title}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Changes delivers a snapshot of a station after each confirmed track change.
func (t *Tracker) Changes() <-chan track.Snapshot {
	return t.changes
}

func (t *Tracker) Registry() *station.Registry {
	return t.registry
}

func (t *Tracker) Current(name string) (track.State, bool) {
	st, ok := t.stations[name]
	if !ok {
		return track.State{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current, true
}

// Recent returns the in-memory recent tracks of a station, newest first.
func (t *Tracker) Recent(name string) ([]track.Entry, bool) {
	st, ok := t.stations[name]
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.recent.List(), true
}

func (t *Tracker) Snapshot(name string) (track.Snapshot, bool) {
	st, ok := t.stations[name]
	if !ok {
		return track.Snapshot{}, false
	}
	return st.snapshot(), true
}

// Snapshots returns the snapshot of every station ordered by station name.
func (t *Tracker) Snapshots() []track.Snapshot {
	names := t.registry.Names()
	out := make([]track.Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, t.stations[name].snapshot())
	}
	return out
}
