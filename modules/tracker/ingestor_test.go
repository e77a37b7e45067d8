package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/nowplaying/pkg/station"
)

const testMetaint = 16

func icyChunk(title string) []byte {
	meta := fmt.Sprintf("StreamTitle='%s';", title)
	n := (len(meta) + 15) / 16
	b := make([]byte, testMetaint, testMetaint+1+n*16)
	b = append(b, byte(n))
	block := make([]byte, n*16)
	copy(block, meta)
	return append(b, block...)
}

// icyServer plays the given titles once, then holds the connection open until the
// client goes away. Every connection is counted.
func icyServer(t *testing.T, titles ...string) (*httptest.Server, *atomic.Int32) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("icy-metaint", fmt.Sprint(testMetaint))
		w.Header().Set("Content-Type", "audio/mpeg")
		for _, title := range titles {
			_, _ = w.Write(icyChunk(title))
			w.(http.Flusher).Flush()
			time.Sleep(20 * time.Millisecond)
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

type observed struct {
	station, artist, title string
}

func testIngestor(url string, out chan observed) *ingestor {
	cfg := &Config{
		Interval:            20 * time.Millisecond,
		ReconnectBackoff:    10 * time.Millisecond,
		ReconnectBackoffMax: 50 * time.Millisecond,
	}
	return newIngestor(station.Station{Name: "test", URL: url}, cfg, discard,
		func(_ context.Context, st, artist, title string) error {
			out <- observed{st, artist, title}
			return nil
		})
}

func TestIngestorForwardsParsedTitles(t *testing.T) {
	srv, _ := icyServer(t, "Artist - Track - Radio Edit")

	out := make(chan observed, 100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		testIngestor(srv.URL, out).run(ctx)
	}()

	select {
	case o := <-out:
		assert.Equal(t, observed{"test", "Artist", "Track - Radio Edit"}, o)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no observation")
	}

	// The same title keeps being forwarded on every tick.
	select {
	case o := <-out:
		assert.Equal(t, "Track - Radio Edit", o.title)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no repeated observation")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "ingestor did not stop")
	}
}

func TestIngestorDropsUnparsableTitles(t *testing.T) {
	srv, _ := icyServer(t, "Station jingle")

	out := make(chan observed, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go testIngestor(srv.URL, out).run(ctx)

	select {
	case o := <-out:
		require.FailNow(t, "unexpected observation", "%+v", o)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIngestorReconnects(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("icy-metaint", fmt.Sprint(testMetaint))
		_, _ = w.Write(icyChunk("Back - Online"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	out := make(chan observed, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go testIngestor(srv.URL, out).run(ctx)

	select {
	case o := <-out:
		assert.Equal(t, "Back", o.artist)
		assert.Equal(t, "Online", o.title)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no observation after reconnecting")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestTrackerIngestEndToEnd(t *testing.T) {
	srv, conns := icyServer(t, "Coldplay - Yellow")

	reg := station.NewRegistry(station.Station{Name: "live", URL: srv.URL})
	rec := &fakeRecorder{}
	tr, err := New(Config{Ingest: true, Interval: 10 * time.Millisecond}, *discard, reg, &fakeEnricher{}, rec, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, tr))

	snap := nextChange(t, tr)
	assert.Equal(t, "live", snap.Station)
	assert.Equal(t, "Yellow", snap.State.Title)

	// Repeated ticks of the same title produce no further history.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.Entries(), 1)
	assert.Equal(t, int32(1), conns.Load())

	require.NoError(t, services.StopAndAwaitTerminated(ctx, tr))
}
