package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/zachfi/nowplaying/pkg/shoutcast"
	"github.com/zachfi/nowplaying/pkg/station"
	"github.com/zachfi/nowplaying/pkg/track"
)

var errStreamEnded = errors.New("stream ended")

type observeFunc func(ctx context.Context, station, artist, title string) error

// ingestor follows the metadata of one station for the lifetime of the process.
type ingestor struct {
	station  station.Station
	interval time.Duration
	backoff  backoff.Config
	logger   *slog.Logger
	observe  observeFunc
	open     func(ctx context.Context, url string) (*shoutcast.Stream, error)
}

func newIngestor(st station.Station, cfg *Config, logger *slog.Logger, observe observeFunc) *ingestor {
	return &ingestor{
		station:  st,
		interval: cfg.Interval,
		backoff: backoff.Config{
			MinBackoff: cfg.ReconnectBackoff,
			MaxBackoff: cfg.ReconnectBackoffMax,
			MaxRetries: 0, // forever
		},
		logger:  logger.With("station", st.Name),
		observe: observe,
		open:    shoutcast.Open,
	}
}

// run reconnects with exponential backoff until ctx is cancelled. A session that
// managed to connect resets the backoff.
func (i *ingestor) run(ctx context.Context) {
	b := backoff.New(ctx, i.backoff)
	for b.Ongoing() {
		connected, err := i.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}

		metricReconnects.WithLabelValues(i.station.Name).Inc()
		i.logger.Warn("metadata stream failed, reconnecting", "err", err, "retries", b.NumRetries())
		b.Wait()
	}
}

// session reads one connection until it fails. Audio is discarded; the most
// recent stream title is forwarded on every tick and as soon as it changes.
func (i *ingestor) session(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := i.open(ctx, i.station.URL)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	metricConnected.WithLabelValues(i.station.Name).Set(1)
	defer metricConnected.WithLabelValues(i.station.Name).Set(0)
	i.logger.Info("connected to metadata stream", "name", stream.Name, "bitrate", stream.Bitrate)

	var (
		mu      sync.Mutex
		latest  string
		seen    bool
		changed = make(chan struct{}, 1)
	)

	stream.MetadataCallbackFunc = func(m *shoutcast.Metadata) {
		mu.Lock()
		latest, seen = m.StreamTitle, true
		mu.Unlock()

		select {
		case changed <- struct{}{}:
		default:
		}
	}

	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, stream)
		copyErr <- err
	}()

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-copyErr:
			if err == nil {
				err = errStreamEnded
			}
			return true, err
		case <-ticker.C:
		case <-changed:
		}

		mu.Lock()
		raw, ok := latest, seen
		mu.Unlock()
		if ok {
			i.forward(ctx, raw)
		}
	}
}

func (i *ingestor) forward(ctx context.Context, raw string) {
	artist, title, ok := track.ParseTitle(raw)
	if !ok {
		metricParseMisses.WithLabelValues(i.station.Name).Inc()
		i.logger.Debug("ignoring unrecognised stream title", "raw", raw)
		return
	}

	if err := i.observe(ctx, i.station.Name, artist, title); err != nil && ctx.Err() == nil {
		i.logger.Error("failed to record observation", "err", err)
	}
}
