package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/signal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sub", "signal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.SaveRecord(ctx, "calls/a", []byte(`{"status":"ringing"}`)))
	require.NoError(t, db.SaveRecord(ctx, "calls/a", []byte(`{"status":"active"}`)))
	require.NoError(t, db.SaveRecord(ctx, "calls/b", []byte(`{"status":"ended"}`)))
	require.NoError(t, db.SaveRecord(ctx, "callsx/c", []byte(`{}`)))

	recs, err := db.LoadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.JSONEq(t, `{"status":"active"}`, string(recs["calls/a"]))

	n, err := db.CountRecords(ctx, "calls")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.DeleteRecord(ctx, "calls/a"))
	require.NoError(t, db.DeleteRecord(ctx, "calls/missing"))
	n, err = db.CountRecords(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, schemaVersion, db.Meta("schema_version"))
	assert.Equal(t, "", db.Meta("nope"))
}

func TestDBBacksMemoryStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "signal.db")

	db, err := Open(path)
	require.NoError(t, err)
	store, err := signal.OpenMemory(ctx, db, 2)
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, "calls/c1", map[string]any{
		"callerId":  "alice",
		"calleeId":  "bob",
		"status":    "ringing",
		"startTime": time.Now().UnixMilli(),
	}))
	_, err = store.Append(ctx, "calls/c1/offerCandidates", map[string]any{"candidate": "x"})
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, "calls/c1", map[string]any{"status": "ended"}))
	require.NoError(t, store.Close())
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	reopened, err := signal.OpenMemory(ctx, db, 2)
	require.NoError(t, err)

	snap, err := reopened.Read(ctx, "calls/c1")
	require.NoError(t, err)
	assert.Equal(t, "ended", snap.String("status"))
	assert.Equal(t, "bob", snap.String("calleeId"))
	assert.Len(t, snap.Child("offerCandidates").Children(), 1)
}
