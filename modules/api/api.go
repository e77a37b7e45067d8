// Package api serves the read-only HTTP surface: station listing, current and
// recent tracks, durable history and health. The live channel and audio proxy are
// mounted alongside.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/zachfi/nowplaying/pkg/respond"
	"github.com/zachfi/nowplaying/pkg/station"
	"github.com/zachfi/nowplaying/pkg/track"
)

const module = "api"

var errBadLimit = errors.New("limit must be a positive integer")

// Tracker exposes the in-memory station state.
type Tracker interface {
	Registry() *station.Registry
	Current(name string) (track.State, bool)
	Recent(name string) ([]track.Entry, bool)
}

// HistoryReader reads durable history, newest first.
type HistoryReader interface {
	Query(ctx context.Context, station string, limit int) ([]track.Entry, error)
}

type API struct {
	logger  *slog.Logger
	tracker Tracker
	history HistoryReader

	live  http.Handler
	proxy http.Handler
}

type stationInfo struct {
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	CurrentMetadata track.State `json:"currentMetadata"`
}

type health struct {
	Status   string `json:"status"`
	Stations int    `json:"stations"`
}

// New creates and returns a new API. live and proxy may be nil, in which case
// their routes are not registered.
func New(logger slog.Logger, tracker Tracker, history HistoryReader, live, proxy http.Handler) *API {
	return &API{
		logger:  logger.With("module", module),
		tracker: tracker,
		history: history,
		live:    live,
		proxy:   proxy,
	}
}

// Register adds every route to r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/stations", a.stations).Methods(http.MethodGet)
	r.HandleFunc("/metadata/current", a.currentAll).Methods(http.MethodGet)
	r.HandleFunc("/metadata/current/{station}", a.current).Methods(http.MethodGet)
	r.HandleFunc("/history/recent", a.recentAll).Methods(http.MethodGet)
	r.HandleFunc("/history/recent/{station}", a.recent).Methods(http.MethodGet)
	r.HandleFunc("/history/durable", a.durable).Methods(http.MethodGet)
	r.HandleFunc("/history/durable/{station}", a.durable).Methods(http.MethodGet)
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)

	if a.proxy != nil {
		r.Handle("/proxy/{station}", a.proxy).Methods(http.MethodGet)
	}
	if a.live != nil {
		r.Handle("/ws", a.live).Methods(http.MethodGet)
	}
}

func (a *API) stations(w http.ResponseWriter, _ *http.Request) {
	list := a.tracker.Registry().List()

	out := make([]stationInfo, 0, len(list))
	for _, st := range list {
		cur, _ := a.tracker.Current(st.Name)
		out = append(out, stationInfo{Name: st.Name, Description: st.Description, CurrentMetadata: cur})
	}

	respond.JSON(w, http.StatusOK, out)
}

func (a *API) current(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["station"]

	cur, ok := a.tracker.Current(name)
	if !ok {
		unknownStation(w, name)
		return
	}

	respond.JSON(w, http.StatusOK, cur)
}

func (a *API) currentAll(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]track.State)
	for _, name := range a.tracker.Registry().Names() {
		if cur, ok := a.tracker.Current(name); ok {
			out[name] = cur
		}
	}

	respond.JSON(w, http.StatusOK, out)
}

func (a *API) recent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["station"]

	recent, ok := a.tracker.Recent(name)
	if !ok {
		unknownStation(w, name)
		return
	}

	respond.JSON(w, http.StatusOK, nonNil(recent))
}

func (a *API) recentAll(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string][]track.Entry)
	for _, name := range a.tracker.Registry().Names() {
		if recent, ok := a.tracker.Recent(name); ok {
			out[name] = nonNil(recent)
		}
	}

	respond.JSON(w, http.StatusOK, out)
}

func (a *API) durable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["station"]
	if name != "" {
		if _, ok := a.tracker.Registry().Get(name); !ok {
			unknownStation(w, name)
			return
		}
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := a.history.Query(r.Context(), name, limit)
	if err != nil {
		a.logger.Error("history query failed", "station", name, "err", err)
		respond.Error(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	respond.JSON(w, http.StatusOK, nonNil(entries))
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, health{Status: "ok", Stations: a.tracker.Registry().Len()})
}

// parseLimit returns 0 for an absent limit, which the store treats as its default.
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(s)
	if err != nil || limit < 1 {
		return 0, errBadLimit
	}

	return limit, nil
}

func unknownStation(w http.ResponseWriter, name string) {
	respond.Error(w, http.StatusNotFound, fmt.Sprintf("unknown station %q", name))
}

func nonNil(entries []track.Entry) []track.Entry {
	if entries == nil {
		return []track.Entry{}
	}
	return entries
}
