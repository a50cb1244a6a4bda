package history

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeyujin/portal/internal/api"
	"github.com/leeyujin/portal/internal/uploads"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := Open(context.Background(), ":memory:", "http://backend.test", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, l.Close())
	})

	return l
}

// steppedClock returns a clock that advances one second per call.
func steppedClock(start time.Time) func() time.Time {
	n := 0

	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func item(id, name string, status uploads.Status) uploads.Item {
	it := uploads.Item{
		ID:     id,
		File:   uploads.File{Name: name, Path: "/photos/" + name, Size: 42},
		Status: status,
		Kind:   api.KindDetectFace,
	}

	switch status {
	case uploads.StatusSuccess:
		it.ResultLocator = "srv_" + name
	case uploads.StatusError:
		it.ErrorMessage = "File too large"
	}

	return it
}

func TestRecordAndRecent(t *testing.T) {
	l := newTestLedger(t)
	l.now = steppedClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	ctx := context.Background()
	require.NoError(t, l.Record(ctx, item("1", "a.png", uploads.StatusSuccess)))
	require.NoError(t, l.Record(ctx, item("2", "b.png", uploads.StatusError)))

	entries, err := l.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "b.png", entries[0].FileName)
	assert.Equal(t, uploads.StatusError, entries[0].Status)
	assert.Equal(t, "File too large", entries[0].ErrorMessage)
	assert.Empty(t, entries[0].ResultName())

	a := entries[1]
	assert.Equal(t, "1", a.ItemID)
	assert.Equal(t, "/photos/a.png", a.LocalPath)
	assert.Equal(t, int64(42), a.SizeBytes)
	assert.Equal(t, api.KindDetectFace, a.Kind)
	assert.Equal(t, "srv_a.png", a.ResultLocator)
	assert.Equal(t, "face_detected_srv_a.png", a.ResultName())
	assert.Equal(t, "http://backend.test", a.BackendURL)
	assert.True(t, a.RecordedAt.Before(entries[0].RecordedAt))
}

func TestRecord_IgnoresNonTerminal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, item("1", "a.png", uploads.StatusPending)))
	require.NoError(t, l.Record(ctx, item("1", "a.png", uploads.StatusUploading)))

	entries, err := l.Recent(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecent_FilterAndLimit(t *testing.T) {
	l := newTestLedger(t)
	l.now = steppedClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i, st := range []uploads.Status{
		uploads.StatusSuccess, uploads.StatusError, uploads.StatusSuccess, uploads.StatusSuccess,
	} {
		require.NoError(t, l.Record(ctx, item(string(rune('a'+i)), string(rune('a'+i))+".png", st)))
	}

	ok, err := l.Recent(ctx, Filter{Status: uploads.StatusSuccess})
	require.NoError(t, err)
	assert.Len(t, ok, 3)

	failed, err := l.Recent(ctx, Filter{Status: uploads.StatusError})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b.png", failed[0].FileName)

	latest, err := l.Recent(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "d.png", latest[0].FileName)
	assert.Equal(t, "c.png", latest[1].FileName)
}

func TestPrune(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	l := newTestLedger(t)
	l.now = steppedClock(start)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, item("1", "old.png", uploads.StatusSuccess)))
	require.NoError(t, l.Record(ctx, item("2", "new.png", uploads.StatusSuccess)))

	n, err := l.Prune(ctx, start.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := l.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new.png", entries[0].FileName)
}

func TestObserver_RecordsTerminalTransitions(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	obs := l.Observer(ctx)
	obs(item("1", "a.png", uploads.StatusPending))
	obs(item("1", "a.png", uploads.StatusUploading))
	obs(item("1", "a.png", uploads.StatusSuccess))

	entries, err := l.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uploads.StatusSuccess, entries[0].Status)
}

func TestOpen_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	l, err := Open(ctx, path, "", testLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, item("1", "a.png", uploads.StatusSuccess)))
	require.NoError(t, l.Close())

	reopened, err := Open(ctx, path, "", testLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Recent(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
