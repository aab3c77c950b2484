package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/scheme"
	"github.com/partplan/partplan/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func bookings(t *testing.T) *scheme.Scheme {
	t.Helper()
	s, err := scheme.Monthly("p", types.MustParseKey("2024-01"), types.MustParseKey("2024-12"), "p_future")
	require.NoError(t, err)
	return s
}

func TestCreateTableAndLatest(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	s := bookings(t)

	v, err := c.CreateTable(ctx, "bookings", s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Version)
	assert.Equal(t, OpCreate, v.Operation)
	assert.Equal(t, s.FingerprintHex(), v.Fingerprint)

	latest, err := c.Latest(ctx, "bookings")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Version)
	assert.True(t, s.Equal(latest.Scheme))
	assert.Equal(t, v.CreatedAt.UnixNano(), latest.CreatedAt.UnixNano())

	_, err = c.CreateTable(ctx, "bookings", s)
	assert.True(t, errors.Is(err, perrors.ErrTableExists), "got %v", err)

	_, err = c.CreateTable(ctx, "", s)
	assert.Error(t, err)
}

func TestLatest_UnknownTable(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Latest(context.Background(), "nope")
	assert.True(t, errors.Is(err, perrors.ErrTableNotFound))

	_, err = c.History(context.Background(), "nope")
	assert.True(t, errors.Is(err, perrors.ErrTableNotFound))
}

func TestAppend(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	s := bookings(t)
	_, err := c.CreateTable(ctx, "bookings", s)
	require.NoError(t, err)

	evolved, err := s.AddTrailingPartition("p_2025_02_on", types.MustParseKey("2025-02-01"))
	require.NoError(t, err)

	v, err := c.Append(ctx, "bookings", 2, evolved, OpAddPartition)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Version)

	// A second writer that also read version 1 loses.
	dropped, err := s.DropLeadingPartition("p_2024_01")
	require.NoError(t, err)
	_, err = c.Append(ctx, "bookings", 2, dropped, OpDropPartition)
	assert.True(t, errors.Is(err, perrors.ErrVersionConflict), "got %v", err)
	assert.True(t, perrors.IsRetryable(err))
	assert.Equal(t, int64(2), perrors.GetDetails(err)["latest"])

	_, err = c.Append(ctx, "bookings", 7, dropped, OpDropPartition)
	assert.True(t, errors.Is(err, perrors.ErrVersionConflict))

	_, err = c.Append(ctx, "ghost", 2, dropped, OpDropPartition)
	assert.True(t, errors.Is(err, perrors.ErrTableNotFound))

	history, err := c.History(ctx, "bookings")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, OpCreate, history[0].Operation)
	assert.Equal(t, OpAddPartition, history[1].Operation)
	assert.Equal(t, 14, history[1].Scheme.Len())

	v1, err := c.Version(ctx, "bookings", 1)
	require.NoError(t, err)
	assert.Equal(t, 13, v1.Scheme.Len())

	_, err = c.Version(ctx, "bookings", 3)
	assert.True(t, errors.Is(err, perrors.ErrTableNotFound))
}

func TestAppend_ConcurrentWritersOneWins(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	s := bookings(t)
	_, err := c.CreateTable(ctx, "bookings", s)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Append(ctx, "bookings", 2, s, OpReweight)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, perrors.ErrVersionConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
}

func TestTables(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)

	for _, name := range []string{"orders", "bookings"} {
		_, err := c.CreateTable(ctx, name, bookings(t))
		require.NoError(t, err)
	}
	tables, err = c.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bookings", "orders"}, tables)
}

func TestRowCounts(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RecordRowCounts(ctx, "bookings", map[string]int64{"p_2024_01": 100, "p_2024_02": 50}))
	require.NoError(t, c.RecordRowCounts(ctx, "bookings", map[string]int64{"p_2024_02": 75}))

	counts, err := c.RowCounts(ctx, "bookings")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"p_2024_01": 100, "p_2024_02": 75}, counts)

	err = c.RecordRowCounts(ctx, "bookings", map[string]int64{"p_2024_03": -1})
	assert.True(t, errors.Is(err, perrors.ErrInvalidScheme))

	empty, err := c.RowCounts(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAppendWithRowCounts(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	s := bookings(t)
	_, err := c.CreateTable(ctx, "bookings", s)
	require.NoError(t, err)

	v, err := c.AppendWithRowCounts(ctx, "bookings", 2, s, OpReweight, map[string]int64{"p_2024_01": 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Version)

	// A conflicting append writes neither the version nor the counts.
	_, err = c.AppendWithRowCounts(ctx, "bookings", 2, s, OpReweight, map[string]int64{"p_2024_01": 99, "p_2024_02": 5})
	assert.True(t, errors.Is(err, perrors.ErrVersionConflict), "got %v", err)

	counts, err := c.RowCounts(ctx, "bookings")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"p_2024_01": 10}, counts)

	// A bad count rolls the version back too.
	_, err = c.AppendWithRowCounts(ctx, "bookings", 3, s, OpReweight, map[string]int64{"p_2024_02": -1})
	assert.True(t, errors.Is(err, perrors.ErrInvalidScheme))
	latest, err := c.Latest(ctx, "bookings")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
}

func TestCorruptDocumentIsReported(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	_, err := c.CreateTable(ctx, "bookings", bookings(t))
	require.NoError(t, err)

	_, err = c.db.ExecContext(ctx, `UPDATE schemes SET document = '{"partitions":[]}' WHERE table_name = 'bookings'`)
	require.NoError(t, err)

	_, err = c.Latest(ctx, "bookings")
	require.Error(t, err)
	assert.Equal(t, perrors.CodeCorruptVersion, perrors.GetCode(err))
}

func TestReopenPreservesHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	c, err := NewCatalog(path)
	require.NoError(t, err)
	_, err = c.CreateTable(ctx, "bookings", bookings(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := NewCatalog(path)
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.Latest(ctx, "bookings")
	require.NoError(t, err)
	assert.Equal(t, 13, latest.Scheme.Len())
	assert.Equal(t, path, reopened.Path())
}
