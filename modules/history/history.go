package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zachfi/nowplaying/pkg/track"
)

const (
	module       = "history"
	writeTimeout = 5 * time.Second
	drainTimeout = 10 * time.Second
)

var (
	metricWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "writes_total",
		Help:      "History writes by result.",
	}, []string{"station", "result"})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "queue_depth",
		Help:      "History writes waiting for the database.",
	})
)

// History owns the durable store and writes new entries in the background so the
// change path never waits on the database.
type History struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	store atomic.Pointer[Store]
	queue chan track.Entry
}

// New creates and returns a new History.
func New(cfg Config, logger slog.Logger) (*History, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DSN == "" {
		cfg.DSN = defaultDSN
	}

	h := &History{
		cfg:    &cfg,
		logger: logger.With("module", module),
		queue:  make(chan track.Entry, cfg.QueueSize),
	}

	h.Service = services.NewBasicService(h.starting, h.running, h.stopping)

	return h, nil
}

func (h *History) starting(ctx context.Context) error {
	store, err := Open(ctx, h.cfg.DSN)
	if err != nil {
		return errors.Wrap(err, "failed to open history store")
	}
	h.store.Store(store)

	return nil
}

func (h *History) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-h.queue:
			h.write(e)
		}
	}
}

func (h *History) stopping(_ error) error {
	store := h.store.Load()
	if store == nil {
		return nil
	}

	deadline := time.After(drainTimeout)
drain:
	for {
		select {
		case e := <-h.queue:
			h.write(e)
		case <-deadline:
			h.logger.Warn("dropping pending history writes", "pending", len(h.queue))
			break drain
		default:
			break drain
		}
	}

	return store.Close()
}

func (h *History) write(e track.Entry) {
	metricQueueDepth.Set(float64(len(h.queue)))

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	id, err := h.store.Load().Append(ctx, e)
	if err != nil {
		metricWrites.WithLabelValues(e.Station, "error").Inc()
		h.logger.Error("failed to write history", "station", e.Station, "artist", e.Artist, "title", e.Title, "err", err)
		return
	}

	metricWrites.WithLabelValues(e.Station, "ok").Inc()
	h.logger.Debug("history written", "station", e.Station, "id", id)
}

// Submit queues an entry for writing. It never blocks; when the queue is full the
// entry is logged and dropped.
func (h *History) Submit(e track.Entry) {
	select {
	case h.queue <- e:
		metricQueueDepth.Set(float64(len(h.queue)))
	default:
		metricWrites.WithLabelValues(e.Station, "dropped").Inc()
		h.logger.Warn("history queue full, dropping entry", "station", e.Station, "artist", e.Artist, "title", e.Title)
	}
}

// Query reads durable history, newest first.
func (h *History) Query(ctx context.Context, station string, limit int) ([]track.Entry, error) {
	store := h.store.Load()
	if store == nil {
		return nil, errors.New("history store is not open")
	}
	return store.Query(ctx, station, limit)
}
