package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/nowplaying/pkg/track"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testDSN(t *testing.T) string {
	return "sqlite://" + filepath.Join(t.TempDir(), "history.db")
}

func strPtr(s string) *string { return &s }

func TestStoreQueryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, testDSN(t))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// Inserted out of order on purpose; ordering comes from observed_at.
	for _, e := range []track.Entry{
		{Station: "a", Artist: "Artist", Title: "t2", ObservedAt: base.Add(2 * time.Minute)},
		{Station: "a", Artist: "Artist", Title: "t1", ObservedAt: base.Add(1 * time.Minute)},
		{Station: "b", Artist: "Other", Title: "b1", ObservedAt: base.Add(10 * time.Minute)},
		{Station: "a", Artist: "Artist", Title: "t3", ObservedAt: base.Add(3 * time.Minute), ImageURL: strPtr("http://img"), ExternalLink: strPtr("http://link")},
	} {
		_, err := store.Append(ctx, e)
		require.NoError(t, err)
	}

	rows, err := store.Query(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t3", rows[0].Title)
	assert.Equal(t, "t2", rows[1].Title)
	assert.True(t, rows[0].ObservedAt.Equal(base.Add(3*time.Minute)))
	require.NotNil(t, rows[0].ImageURL)
	assert.Equal(t, "http://img", *rows[0].ImageURL)
	assert.Equal(t, "http://link", *rows[0].ExternalLink)
	assert.Nil(t, rows[1].ImageURL)
	assert.NotZero(t, rows[0].ID)

	all, err := store.Query(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "b1", all[0].Title)

	none, err := store.Query(ctx, "nope", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreRejectsEmptyFields(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, testDSN(t))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Append(ctx, track.Entry{Station: "a", Artist: "", Title: "x", ObservedAt: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	// The schema enforces it too.
	_, err = store.db.ExecContext(ctx, `insert into history (station, artist, title, observed_at) values ('a', '', 'x', ?)`, time.Now())
	assert.Error(t, err)
}

func TestParseDSN(t *testing.T) {
	driver, source, err := parseDSN("sqlite:///var/lib/nowplaying.db")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", driver)
	assert.Equal(t, "/var/lib/nowplaying.db", source)

	driver, source, err = parseDSN("postgres://user:pass@db:5432/nowplaying?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://user:pass@db:5432/nowplaying?sslmode=disable", source)

	_, _, err = parseDSN("mysql://localhost/db")
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(100000))
}

func TestHistorySubmit(t *testing.T) {
	h, err := New(Config{DSN: testDSN(t), QueueSize: 8}, *discard)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, h))

	// A bad entry is logged and dropped without affecting later writes.
	h.Submit(track.Entry{Station: "a", ObservedAt: time.Now()})
	h.Submit(track.Entry{Station: "a", Artist: "Coldplay", Title: "Yellow", ObservedAt: time.Now()})

	require.Eventually(t, func() bool {
		rows, err := h.Query(ctx, "a", 10)
		return err == nil && len(rows) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, h))
}

func TestHistoryStopDrainsQueue(t *testing.T) {
	dsn := testDSN(t)
	h, err := New(Config{DSN: dsn, QueueSize: 8}, *discard)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, h))
	for i := 0; i < 5; i++ {
		h.Submit(track.Entry{Station: "a", Artist: "A", Title: "T", ObservedAt: time.Now()})
	}
	require.NoError(t, services.StopAndAwaitTerminated(ctx, h))

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	rows, err := store.Query(ctx, "a", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestHistoryQueryBeforeStart(t *testing.T) {
	h, err := New(Config{DSN: testDSN(t)}, *discard)
	require.NoError(t, err)

	_, err = h.Query(context.Background(), "", 10)
	assert.Error(t, err)
}
