package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/zachfi/nowplaying/pkg/respond"
	"github.com/zachfi/nowplaying/pkg/station"
)

const (
	module = "proxy"

	defaultContentType = "audio/mpeg"
)

// forwardedHeaders are copied from the station to the client when present.
var forwardedHeaders = []string{
	"icy-name",
	"icy-genre",
	"icy-br",
	"icy-description",
	"icy-url",
}

var (
	metricActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "active_streams",
		Help:      "Streams currently relayed to clients.",
	}, []string{"station"})

	metricBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "bytes_total",
		Help:      "Audio bytes relayed to clients.",
	}, []string{"station"})

	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "requests_total",
		Help:      "Proxy requests by outcome.",
	}, []string{"result"})
)

// Stations resolves a station name to its source.
type Stations interface {
	Get(name string) (station.Station, bool)
}

// Proxy relays the raw audio of a station so that browsers can play it from the
// same origin. Each request gets its own upstream connection; nothing is
// buffered or shared between clients.
type Proxy struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	stations Stations
	client   *http.Client
	sem      *semaphore.Weighted

	// done is cancelled when the service stops, ending every relayed stream.
	done   context.Context
	cancel context.CancelFunc
}

// New creates and returns a new Proxy.
func New(cfg Config, logger slog.Logger, stations Stations) (*Proxy, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = defaultResponseHeaderTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	p := &Proxy{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		stations: stations,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
				ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
				DisableCompression:    true,
			},
		},
	}

	if cfg.MaxConnections > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}

	p.done, p.cancel = context.WithCancel(context.Background())
	p.Service = services.NewBasicService(nil, p.running, p.stopping)

	return p, nil
}

func (p *Proxy) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *Proxy) stopping(_ error) error {
	p.cancel()
	return nil
}

// ServeHTTP relays the station named by the "station" route variable.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["station"]

	st, ok := p.stations.Get(name)
	if !ok {
		metricRequests.WithLabelValues("unknown_station").Inc()
		respond.Error(w, http.StatusNotFound, fmt.Sprintf("unknown station %q", name))
		return
	}

	if p.sem != nil {
		if !p.sem.TryAcquire(1) {
			metricRequests.WithLabelValues("rejected").Inc()
			respond.Error(w, http.StatusServiceUnavailable, "too many streams")
			return
		}
		defer p.sem.Release(1)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(p.done, cancel)
	defer stop()

	p.relay(ctx, w, st)
}

func (p *Proxy) relay(ctx context.Context, w http.ResponseWriter, st station.Station) {
	logger := p.logger.With("station", st.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.URL, nil)
	if err != nil {
		metricRequests.WithLabelValues("upstream_error").Inc()
		respond.Error(w, http.StatusBadGateway, "invalid station url")
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The client went away first.
			metricRequests.WithLabelValues("cancelled").Inc()
			return
		}
		logger.Warn("station unreachable", "err", err)

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			metricRequests.WithLabelValues("timeout").Inc()
			respond.Error(w, http.StatusGatewayTimeout, "station timed out")
			return
		}
		metricRequests.WithLabelValues("upstream_error").Inc()
		respond.Error(w, http.StatusBadGateway, "station unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metricRequests.WithLabelValues("upstream_status").Inc()
		logger.Warn("station returned an error", "status", resp.Status)
		respond.Error(w, http.StatusBadGateway, fmt.Sprintf("station returned %s", resp.Status))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store")
	for _, k := range forwardedHeaders {
		if v := resp.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	w.WriteHeader(http.StatusOK)

	metricRequests.WithLabelValues("ok").Inc()
	metricActive.WithLabelValues(st.Name).Inc()
	defer metricActive.WithLabelValues(st.Name).Dec()

	logger.Debug("relaying stream")
	n, err := p.copy(w, resp.Body, st.Name)
	if err != nil && ctx.Err() == nil {
		logger.Debug("stream ended", "err", err, "bytes", n)
	}
}

// copy relays body to w, flushing after every write so audio is not held back.
func (p *Proxy) copy(w http.ResponseWriter, body io.Reader, name string) (int64, error) {
	flusher, _ := w.(http.Flusher)
	bytes := metricBytes.WithLabelValues(name)

	buf := make([]byte, p.cfg.BufferSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			bytes.Add(float64(m))
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
