package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/nowplaying/pkg/station"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// endless streams audio until the client goes away, then closes gone.
func endless(t *testing.T) (*httptest.Server, *atomic.Int32, chan struct{}) {
	var hits atomic.Int32
	gone := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "audio/aacp")
		w.Header().Set("icy-name", "Groove Salad")
		w.Header().Set("icy-metaint", "8192")
		chunk := make([]byte, 1024)
		for {
			select {
			case <-r.Context().Done():
				gone <- struct{}{}
				return
			default:
			}
			if _, err := w.Write(chunk); err != nil {
				gone <- struct{}{}
				return
			}
			w.(http.Flusher).Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, gone
}

func newTestProxy(t *testing.T, cfg Config, stations ...station.Station) (*Proxy, string) {
	t.Helper()

	p, err := New(cfg, *discard, station.NewRegistry(stations...))
	require.NoError(t, err)

	r := mux.NewRouter()
	r.Handle("/proxy/{station}", p)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return p, srv.URL
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestUnknownStationMakesNoUpstreamRequest(t *testing.T) {
	upstream, hits, _ := endless(t)
	_, url := newTestProxy(t, Config{}, station.Station{Name: "a", URL: upstream.URL})

	resp, err := http.Get(url + "/proxy/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, errorMessage(t, resp), "nope")
	assert.Equal(t, int32(0), hits.Load())
}

func TestRelaysAudio(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("icy-metadata"))
		w.Header().Set("Content-Type", "audio/aacp")
		w.Header().Set("icy-name", "Groove Salad")
		w.Header().Set("icy-br", "128")
		_, _ = w.Write([]byte("audio bytes"))
	}))
	defer upstream.Close()

	_, url := newTestProxy(t, Config{}, station.Station{Name: "groove", URL: upstream.URL})

	resp, err := http.Get(url + "/proxy/groove")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/aacp", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "Groove Salad", resp.Header.Get("icy-name"))
	assert.Equal(t, "128", resp.Header.Get("icy-br"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "audio bytes", string(body))
}

func TestDefaultContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte{0xff, 0xfb, 0x90, 0x00})
	}))
	defer upstream.Close()

	_, url := newTestProxy(t, Config{}, station.Station{Name: "a", URL: upstream.URL})

	resp, err := http.Get(url + "/proxy/a")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
}

func TestUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream not found", http.StatusNotFound)
	}))
	defer upstream.Close()

	_, url := newTestProxy(t, Config{}, station.Station{Name: "a", URL: upstream.URL})

	resp, err := http.Get(url + "/proxy/a")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "404")
}

func TestUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	dead := upstream.URL
	upstream.Close()

	_, url := newTestProxy(t, Config{}, station.Station{Name: "a", URL: dead})

	resp, err := http.Get(url + "/proxy/a")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	_, url := newTestProxy(t, Config{ResponseHeaderTimeout: 50 * time.Millisecond}, station.Station{Name: "a", URL: upstream.URL})

	resp, err := http.Get(url + "/proxy/a")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestClientDisconnectClosesUpstream(t *testing.T) {
	upstream, hits, gone := endless(t)
	_, url := newTestProxy(t, Config{}, station.Station{Name: "a", URL: upstream.URL})

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/proxy/a", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = io.ReadFull(resp.Body, make([]byte, 4096))
	require.NoError(t, err)

	cancel()
	_ = resp.Body.Close()

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "upstream connection still open after the client left")
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestConnectionLimit(t *testing.T) {
	upstream, _, _ := endless(t)
	_, url := newTestProxy(t, Config{MaxConnections: 1}, station.Station{Name: "a", URL: upstream.URL})

	first, err := http.Get(url + "/proxy/a")
	require.NoError(t, err)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	_, err = io.ReadFull(first.Body, make([]byte, 1024))
	require.NoError(t, err)

	second, err := http.Get(url + "/proxy/a")
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
}

func TestStopEndsStreams(t *testing.T) {
	upstream, _, gone := endless(t)
	p, url := newTestProxy(t, Config{}, station.Station{Name: "a", URL: upstream.URL})
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))

	resp, err := http.Get(url + "/proxy/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadFull(resp.Body, make([]byte, 1024))
	require.NoError(t, err)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), p))

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "stream still relayed after stop")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(io.Discard, resp.Body)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "client response did not end")
	}
}
