package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zachfi/nowplaying/pkg/track"
)

const (
	module = "broadcast"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 4096
)

var (
	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "subscribers",
		Help:      "Connected live subscribers.",
	})

	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "messages_total",
		Help:      "Messages queued to subscribers by event.",
	}, []string{"event"})

	metricSlowSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nowplaying",
		Subsystem: module,
		Name:      "slow_subscribers_total",
		Help:      "Subscribers disconnected because their queue was full.",
	})
)

// Source provides the station snapshots sent on connect and on resync.
type Source interface {
	Snapshots() []track.Snapshot
	Snapshot(station string) (track.Snapshot, bool)
}

// Broadcaster pushes station changes to every connected websocket subscriber.
// Delivery is best effort: nothing is acknowledged or replayed, and a subscriber
// that cannot keep up is disconnected.
type Broadcaster struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	source   Source
	changes  <-chan track.Snapshot
	upgrader websocket.Upgrader

	// order serializes reading snapshots from the source with queueing them, so a
	// snapshot taken for one subscriber cannot land behind a newer change.
	order sync.Mutex

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue reports false when the subscriber is gone or its queue is full.
func (s *subscriber) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// New creates and returns a new Broadcaster.
func New(cfg Config, logger slog.Logger, source Source, changes <-chan track.Snapshot) (*Broadcaster, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	b := &Broadcaster{
		cfg:     &cfg,
		logger:  logger.With("module", module),
		source:  source,
		changes: changes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // viewers may be served from any origin
			},
		},
		subs: make(map[*subscriber]struct{}),
	}

	b.Service = services.NewBasicService(nil, b.running, b.stopping)

	return b, nil
}

func (b *Broadcaster) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-b.changes:
			if !ok {
				<-ctx.Done()
				return nil
			}
			b.broadcast(snap)
		}
	}
}

func (b *Broadcaster) stopping(_ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
	metricSubscribers.Set(0)

	return nil
}

// Subscribers returns the number of connected subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) add(sub *subscriber) {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	metricSubscribers.Inc()
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		metricSubscribers.Dec()
	}
	sub.close()
}

// broadcast sends the snapshot of one station to every subscriber.
func (b *Broadcaster) broadcast(snap track.Snapshot) {
	msgs, err := encodeSnapshot(snap)
	if err != nil {
		b.logger.Error("failed to encode snapshot", "station", snap.Station, "err", err)
		return
	}

	b.order.Lock()
	defer b.order.Unlock()

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, msgs)
	}
	metricMessages.WithLabelValues(EventMetadataUpdate).Add(float64(len(subs)))
	metricMessages.WithLabelValues(EventHistoryUpdate).Add(float64(len(subs)))
}

func (b *Broadcaster) deliver(sub *subscriber, msgs [][]byte) {
	for _, msg := range msgs {
		if !sub.enqueue(msg) {
			select {
			case <-sub.done:
			default:
				metricSlowSubscribers.Inc()
				b.logger.Warn("subscriber too slow, disconnecting", "subscriber", sub.id)
				sub.close()
			}
			return
		}
	}
}

// sync queues the current snapshot of the named stations, or of every station
// when names is empty, to one subscriber.
func (b *Broadcaster) sync(sub *subscriber, names ...string) {
	b.order.Lock()
	defer b.order.Unlock()

	var snaps []track.Snapshot
	if len(names) == 0 {
		snaps = b.source.Snapshots()
	}
	for _, name := range names {
		snap, ok := b.source.Snapshot(name)
		if !ok {
			b.logger.Debug("resync for unknown station", "subscriber", sub.id, "station", name)
			continue
		}
		snaps = append(snaps, snap)
	}

	for _, snap := range snaps {
		msgs, err := encodeSnapshot(snap)
		if err != nil {
			b.logger.Error("failed to encode snapshot", "station", snap.Station, "err", err)
			continue
		}
		b.deliver(sub, msgs)
	}
}

// ServeHTTP upgrades the request to a websocket subscription. The new subscriber
// immediately receives the snapshot of every station.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	// Room for one full snapshot, two messages per station, on top of the queue.
	stations := len(b.source.Snapshots())
	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, b.cfg.QueueSize+2*stations),
		done: make(chan struct{}),
	}

	// Registered first so that every change after the snapshot reaches it.
	b.add(sub)
	defer b.remove(sub)

	b.logger.Debug("subscriber connected", "subscriber", sub.id, "remote", r.RemoteAddr)
	b.sync(sub)

	go b.writePump(sub)
	b.readPump(sub)

	b.logger.Debug("subscriber disconnected", "subscriber", sub.id)
}

func (b *Broadcaster) readPump(sub *subscriber) {
	conn := sub.conn
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("subscriber read failed", "subscriber", sub.id, "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("ignoring malformed message", "subscriber", sub.id, "err", err)
			continue
		}

		switch msg.Event {
		case EventRequestUpdate:
			b.resync(sub, msg.Data)
		default:
			b.logger.Debug("ignoring unknown event", "subscriber", sub.id, "event", msg.Event)
		}
	}
}

// resync re-sends one station, or every station when data names none, to a
// single subscriber.
func (b *Broadcaster) resync(sub *subscriber, data json.RawMessage) {
	var name *string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &name); err != nil {
			b.logger.Debug("ignoring malformed resync request", "subscriber", sub.id, "err", err)
			return
		}
	}

	if name == nil || *name == "" {
		b.sync(sub)
		return
	}
	b.sync(sub, *name)
}

func (b *Broadcaster) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer sub.close()

	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
