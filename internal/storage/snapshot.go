package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/sync/semaphore"

	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/scheme"
)

const (
	snapshotPrefix = "schemes/"
	snapshotSuffix = ".json.sz"
)

// Snapshot is one published scheme version.
type Snapshot struct {
	Table       string         `json:"table"`
	Version     int64          `json:"version"`
	Operation   string         `json:"operation"`
	PublishedAt time.Time      `json:"published_at"`
	Scheme      *scheme.Scheme `json:"scheme"`
}

// SnapshotStore publishes scheme versions to object storage as
// snappy-compressed JSON under schemes/<table>/v<version>.json.sz so that
// a lost catalog can be rebuilt and other processes can follow changes.
type SnapshotStore struct {
	storage     ObjectStorage
	concurrency int
}

// NewSnapshotStore creates a snapshot store. concurrency bounds parallel
// downloads in LatestAll.
func NewSnapshotStore(storage ObjectStorage, concurrency int) *SnapshotStore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SnapshotStore{storage: storage, concurrency: concurrency}
}

// SnapshotPath returns the object path of a table version.
func SnapshotPath(table string, version int64) string {
	return fmt.Sprintf("%s%s/v%010d%s", snapshotPrefix, table, version, snapshotSuffix)
}

// Publish compresses and uploads snap.
func (s *SnapshotStore) Publish(ctx context.Context, snap *Snapshot) error {
	if snap.PublishedAt.IsZero() {
		snap.PublishedAt = time.Now().UTC()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return perrors.NewInternalError("failed to encode snapshot", err)
	}

	objectPath := SnapshotPath(snap.Table, snap.Version)
	if err := s.storage.Put(ctx, objectPath, snappy.Encode(nil, data)); err != nil {
		return perrors.NewStorageError(perrors.CodeUploadFailed, "failed to publish snapshot", err).
			WithDetails(map[string]interface{}{"table": snap.Table, "version": snap.Version, "object": objectPath})
	}
	return nil
}

// Load downloads and decodes one version of table.
func (s *SnapshotStore) Load(ctx context.Context, table string, version int64) (*Snapshot, error) {
	return s.load(ctx, SnapshotPath(table, version))
}

func (s *SnapshotStore) load(ctx context.Context, objectPath string) (*Snapshot, error) {
	details := map[string]interface{}{"object": objectPath}

	compressed, err := s.storage.Get(ctx, objectPath)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, perrors.NewStorageError(perrors.CodeObjectNotFound, "snapshot not found", err).WithDetails(details)
		}
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to download snapshot", err).WithDetails(details)
	}

	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "snapshot is not valid snappy data", err).WithDetails(details)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "snapshot does not decode", err).WithDetails(details)
	}
	if snap.Scheme == nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "snapshot has no scheme", nil).WithDetails(details)
	}
	return &snap, nil
}

// Versions returns the published versions of table in ascending order.
func (s *SnapshotStore) Versions(ctx context.Context, table string) ([]int64, error) {
	objects, err := s.storage.ListObjects(ctx, snapshotPrefix+table+"/")
	if err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to list snapshots", err).With("table", table)
	}

	versions := make([]int64, 0, len(objects))
	for _, obj := range objects {
		t, v, ok := parseSnapshotPath(obj)
		if ok && t == table {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Latest returns the newest published version of table.
func (s *SnapshotStore) Latest(ctx context.Context, table string) (*Snapshot, error) {
	versions, err := s.Versions(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, perrors.NewStorageError(perrors.CodeObjectNotFound, "no snapshots published", nil).With("table", table)
	}
	return s.Load(ctx, table, versions[len(versions)-1])
}

// Tables returns every table with at least one snapshot, sorted.
func (s *SnapshotStore) Tables(ctx context.Context) ([]string, error) {
	objects, err := s.storage.ListObjects(ctx, snapshotPrefix)
	if err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to list snapshots", err)
	}

	seen := make(map[string]bool)
	tables := []string{}
	for _, obj := range objects {
		if t, _, ok := parseSnapshotPath(obj); ok && !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// RestoreResult is the outcome of LatestAll.
type RestoreResult struct {
	Snapshots map[string]*Snapshot
	Errors    map[string]error
}

// LatestAll downloads the newest snapshot of every table in parallel,
// bounded by the store's concurrency. Per-table failures are collected in
// the result rather than aborting the batch.
func (s *SnapshotStore) LatestAll(ctx context.Context) (*RestoreResult, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{
		Snapshots: make(map[string]*Snapshot, len(tables)),
		Errors:    make(map[string]error),
	}

	sem := semaphore.NewWeighted(int64(s.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, table := range tables {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[table] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(table string) {
			defer sem.Release(1)
			defer wg.Done()

			snap, err := s.Latest(ctx, table)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[table] = err
				return
			}
			result.Snapshots[table] = snap
		}(table)
	}

	wg.Wait()
	return result, nil
}

// parseSnapshotPath extracts table and version from
// schemes/<table>/v<version>.json.sz.
func parseSnapshotPath(objectPath string) (string, int64, bool) {
	if !strings.HasPrefix(objectPath, snapshotPrefix) || !strings.HasSuffix(objectPath, snapshotSuffix) {
		return "", 0, false
	}
	dir, file := path.Split(strings.TrimPrefix(objectPath, snapshotPrefix))
	table := strings.TrimSuffix(dir, "/")
	if table == "" || strings.Contains(table, "/") {
		return "", 0, false
	}

	var version int64
	if _, err := fmt.Sscanf(strings.TrimSuffix(file, snapshotSuffix), "v%d", &version); err != nil || version < 1 {
		return "", 0, false
	}
	return table, version, true
}
