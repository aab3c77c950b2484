// Package service owns the live planner of every table and applies scheme
// changes through the catalog.
//
// Reads never block: each table's current planner and its catalog version
// sit behind a planner.Active and are loaded atomically. Scheme changes are
// serialized per table, persisted with an optimistic version check, and
// then installed with a compare-and-swap.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/config"
	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/events"
	"github.com/partplan/partplan/internal/observability"
	"github.com/partplan/partplan/internal/planner"
	"github.com/partplan/partplan/internal/scheme"
	"github.com/partplan/partplan/internal/storage"
	"github.com/partplan/partplan/pkg/types"
)

// watchBuffer is the notification backlog held per watcher.
const watchBuffer = 16

// Options configures a Service.
type Options struct {
	BinarySearchThreshold int
	BatchConcurrency      int

	// Seeds are tables created at Bootstrap when the catalog lacks them.
	Seeds []config.TableConfig

	// StatsWindow is how long PlanStats remembers a requested range.
	StatsWindow time.Duration
}

// DefaultOptions returns options matching config.DefaultConfig.
func DefaultOptions() Options {
	return Options{
		BinarySearchThreshold: planner.DefaultBinarySearchThreshold,
		BatchConcurrency:      8,
		StatsWindow:           time.Hour,
	}
}

// Service plans predicates and evolves schemes for many tables.
type Service struct {
	catalog   catalog.Catalog
	snapshots *storage.SnapshotStore
	metrics   *observability.PlanMetrics
	stats     *observability.PlanStats
	events    *events.Notifier
	logger    zerolog.Logger
	opts      Options

	mu     sync.RWMutex
	tables map[string]*table
}

// table is the live state of one table.
type table struct {
	name   string
	active *planner.Active

	// writeMu serializes scheme changes. Readers never take it.
	writeMu sync.Mutex
}

// TableScheme is a table's current scheme and its catalog version.
type TableScheme struct {
	Table       string         `json:"table"`
	Version     int64          `json:"version"`
	Fingerprint string         `json:"fingerprint"`
	Scheme      *scheme.Scheme `json:"scheme"`
}

// TableStats is the planning summary of one table.
type TableStats struct {
	observability.TableSummary
	TopRanges []observability.RangeStats `json:"top_ranges"`
}

// New creates a service. snapshots may be nil to disable publishing.
func New(cat catalog.Catalog, snapshots *storage.SnapshotStore, metrics *observability.PlanMetrics, logger zerolog.Logger, opts Options) *Service {
	if metrics == nil {
		metrics = observability.NewPlanMetrics(nil)
	}
	if opts.BatchConcurrency < 1 {
		opts.BatchConcurrency = 1
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = time.Hour
	}
	return &Service{
		catalog:   cat,
		snapshots: snapshots,
		metrics:   metrics,
		stats:     observability.NewPlanStats(opts.StatsWindow),
		events:    events.NewNotifier(watchBuffer),
		logger:    logger.With().Str("component", "service").Logger(),
		opts:      opts,
		tables:    make(map[string]*table),
	}
}

// Bootstrap loads every table from the catalog. An empty catalog is first
// restored from published snapshots when a snapshot store is configured;
// configured seed tables that are still missing are then created.
func (s *Service) Bootstrap(ctx context.Context) error {
	names, err := s.catalog.Tables(ctx)
	if err != nil {
		return fmt.Errorf("service: failed to list tables: %w", err)
	}

	if len(names) == 0 && s.snapshots != nil {
		if err := s.restore(ctx); err != nil {
			return err
		}
		if names, err = s.catalog.Tables(ctx); err != nil {
			return fmt.Errorf("service: failed to list tables: %w", err)
		}
	}

	existing := make(map[string]bool, len(names))
	for _, name := range names {
		existing[name] = true
	}

	for _, seed := range s.opts.Seeds {
		if existing[seed.Name] {
			continue
		}
		prefix := seed.Prefix
		if prefix == "" {
			prefix = "p"
		}
		sch, err := scheme.Monthly(prefix, seed.From, seed.Through, seed.CatchAll)
		if err != nil {
			return fmt.Errorf("service: seed table %s: %w", seed.Name, err)
		}
		v, err := s.catalog.CreateTable(ctx, seed.Name, sch)
		if err != nil {
			return fmt.Errorf("service: seed table %s: %w", seed.Name, err)
		}
		s.publish(ctx, v)
		s.logger.Info().Str("table", seed.Name).Int("partitions", sch.Len()).Msg("Seeded table")
		names = append(names, seed.Name)
	}

	for _, name := range names {
		v, err := s.catalog.Latest(ctx, name)
		if err != nil {
			return fmt.Errorf("service: failed to load %s: %w", name, err)
		}
		if err := s.install(name, v); err != nil {
			return err
		}
	}

	s.logger.Info().Int("tables", len(names)).Msg("Service bootstrapped")
	return nil
}

// restore recreates tables from the newest published snapshots.
func (s *Service) restore(ctx context.Context) error {
	result, err := s.snapshots.LatestAll(ctx)
	if err != nil {
		return fmt.Errorf("service: failed to list snapshots: %w", err)
	}
	for name, err := range result.Errors {
		s.logger.Warn().Err(err).Str("table", name).Msg("Skipping unreadable snapshot")
	}

	for name, snap := range result.Snapshots {
		if _, err := s.catalog.CreateTable(ctx, name, snap.Scheme); err != nil {
			return fmt.Errorf("service: failed to restore %s: %w", name, err)
		}
		s.logger.Info().
			Str("table", name).
			Int64("snapshot_version", snap.Version).
			Msg("Restored table from snapshot")
	}
	return nil
}

// install builds a planner for v and makes it current for the table,
// creating the table entry on first use.
func (s *Service) install(name string, v *catalog.Version) error {
	p, err := s.newPlanner(v.Scheme)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		s.tables[name] = &table{name: name, active: planner.NewActive(p, v.Version)}
	} else {
		t.active.Store(p, v.Version)
	}
	s.metrics.RecordSchemeSize(name, v.Scheme.Len())
	return nil
}

func (s *Service) newPlanner(sch *scheme.Scheme) (*planner.Planner, error) {
	return planner.New(sch, planner.WithBinarySearchThreshold(s.opts.BinarySearchThreshold))
}

func (s *Service) table(name string) (*table, error) {
	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if !ok {
		return nil, perrors.Newf(perrors.ErrCategoryCatalog, perrors.CodeTableNotFound, "table %q not found", name).
			With("table", name)
	}
	return t, nil
}

// Tables returns the names of all loaded tables, sorted.
func (s *Service) Tables(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plan plans pred against the table's current scheme.
func (s *Service) Plan(ctx context.Context, tableName string, pred planner.Predicate) (planner.ScanPlan, error) {
	t, err := s.table(tableName)
	if err != nil {
		s.metrics.RecordError("plan", perrors.GetCode(err))
		return planner.ScanPlan{}, err
	}
	return s.plan(t, t.active.Load(), pred)
}

func (s *Service) plan(t *table, p *planner.Planner, pred planner.Predicate) (planner.ScanPlan, error) {
	start := time.Now()
	result, err := p.Plan(pred)
	if err != nil {
		s.metrics.RecordError("plan", perrors.GetCode(err))
		s.logger.Debug().Err(err).Str("table", t.name).Str("predicate", pred.String()).Msg("Rejected predicate")
		return planner.ScanPlan{}, err
	}

	s.metrics.RecordPlan(t.name, string(result.Strategy), result.Matched(), result.PrunedPartitions, result.ScannedFraction, time.Since(start))
	s.stats.Record(t.name, pred.String(), result.Matched(), result.TotalPartitions, result.ScannedFraction)

	s.logger.Debug().
		Str("table", t.name).
		Str("predicate", pred.String()).
		Int("matched", result.Matched()).
		Int("total", result.TotalPartitions).
		Float64("scanned_fraction", result.ScannedFraction).
		Msg("Planned predicate")
	return result, nil
}

// PlanBatch plans every predicate against one consistent scheme, with at
// most BatchConcurrency predicates in flight. Results keep input order.
func (s *Service) PlanBatch(ctx context.Context, tableName string, preds []planner.Predicate) ([]planner.ScanPlan, error) {
	t, err := s.table(tableName)
	if err != nil {
		s.metrics.RecordError("plan_batch", perrors.GetCode(err))
		return nil, err
	}
	p := t.active.Load()

	results := make([]planner.ScanPlan, len(preds))
	sem := semaphore.NewWeighted(int64(s.opts.BatchConcurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, pred := range preds {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			plan, err := s.plan(t, p, pred)
			if err != nil {
				return perrors.Wrap(perrors.ErrCategoryPredicate, perrors.CodeInvalidPredicate,
					fmt.Sprintf("predicate %d rejected", i), err).
					WithDetails(map[string]interface{}{"index": i, "predicate": pred.String()})
			}
			results[i] = plan
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Explain plans pred and itemizes each matched partition.
func (s *Service) Explain(ctx context.Context, tableName string, pred planner.Predicate) (planner.Explanation, error) {
	t, err := s.table(tableName)
	if err != nil {
		return planner.Explanation{}, err
	}
	exp, err := t.active.Load().Explain(pred)
	if err != nil {
		s.metrics.RecordError("explain", perrors.GetCode(err))
		return planner.Explanation{}, err
	}
	return exp, nil
}

// Scheme returns the table's current scheme.
func (s *Service) Scheme(ctx context.Context, tableName string) (*TableScheme, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}

	p, version := t.active.LoadVersion()
	return &TableScheme{
		Table:       tableName,
		Version:     version,
		Fingerprint: p.Scheme().FingerprintHex(),
		Scheme:      p.Scheme(),
	}, nil
}

// History returns every stored version of the table.
func (s *Service) History(ctx context.Context, tableName string) ([]*catalog.Version, error) {
	return s.catalog.History(ctx, tableName)
}

// Stats returns the planning summary and the most requested ranges.
func (s *Service) Stats(ctx context.Context, tableName string, top int) (*TableStats, error) {
	if _, err := s.table(tableName); err != nil {
		return nil, err
	}
	summary, _ := s.stats.Summary(tableName)
	summary.Table = tableName
	return &TableStats{
		TableSummary: summary,
		TopRanges:    s.stats.TopRanges(tableName, top),
	}, nil
}

// PruneStats drops requested-range statistics older than the stats window.
func (s *Service) PruneStats() {
	s.stats.Prune()
}

// Run prunes statistics every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PruneStats()
		}
	}
}

// change derives the next scheme from the current one. counts, when
// non-nil, are recorded together with the new version.
type change func(cur *scheme.Scheme) (next *scheme.Scheme, counts map[string]int64, err error)

// AddPartition splits the table's catch-all at boundary, naming the new
// catch-all name. A row count recorded for the old catch-all is split
// between the two halves the same way its weight is.
func (s *Service) AddPartition(ctx context.Context, tableName, name string, boundary types.Key) (*catalog.Version, error) {
	return s.evolve(ctx, tableName, catalog.OpAddPartition, func(cur *scheme.Scheme) (*scheme.Scheme, map[string]int64, error) {
		next, err := cur.AddTrailingPartition(name, boundary)
		if err != nil {
			return nil, nil, err
		}
		catchAll, _ := cur.CatchAll()
		recorded, err := s.catalog.RowCounts(ctx, tableName)
		if err != nil {
			return nil, nil, err
		}
		n, ok := recorded[catchAll.Name]
		if !ok {
			return next, nil, nil
		}
		return next, map[string]int64{catchAll.Name: n / 2, name: n - n/2}, nil
	})
}

// DropPartition archives the table's leading partition.
func (s *Service) DropPartition(ctx context.Context, tableName, name string) (*catalog.Version, error) {
	return s.evolve(ctx, tableName, catalog.OpDropPartition, func(cur *scheme.Scheme) (*scheme.Scheme, map[string]int64, error) {
		next, err := cur.DropLeadingPartition(name)
		return next, nil, err
	})
}

// UpdateStats reweights the scheme from counts merged over every count
// recorded so far. The counts are stored only if the new version commits.
func (s *Service) UpdateStats(ctx context.Context, tableName string, counts map[string]int64) (*catalog.Version, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	cur := t.active.Load().Scheme()
	for name, count := range counts {
		if cur.Index(name) < 0 {
			err := perrors.UnknownPartition("table %q has no partition %q", tableName, name).
				WithDetails(map[string]interface{}{"table": tableName, "partition": name})
			s.metrics.RecordError("update_stats", perrors.GetCode(err))
			return nil, err
		}
		if count < 0 {
			return nil, perrors.InvalidScheme("row count for %q must not be negative, got %d", name, count).
				WithDetails(map[string]interface{}{"partition": name, "row_count": count})
		}
	}

	return s.evolve(ctx, tableName, catalog.OpReweight, func(cur *scheme.Scheme) (*scheme.Scheme, map[string]int64, error) {
		recorded, err := s.catalog.RowCounts(ctx, tableName)
		if err != nil {
			return nil, nil, err
		}
		merged := make(map[string]int64, len(recorded)+len(counts))
		for name, count := range recorded {
			if cur.Index(name) >= 0 {
				merged[name] = count
			}
		}
		for name, count := range counts {
			merged[name] = count
		}
		next, err := cur.WithRowCounts(merged)
		if err != nil {
			return nil, nil, err
		}
		return next, counts, nil
	})
}

// evolve applies fn to the table's current scheme, persists the result
// as the next catalog version, and installs it. On a version conflict the
// table is reloaded from the catalog and the conflict is returned so the
// caller can retry against the newer scheme.
func (s *Service) evolve(ctx context.Context, tableName string, op catalog.Operation, fn change) (*catalog.Version, error) {
	t, err := s.table(tableName)
	if err != nil {
		s.metrics.RecordError(string(op), perrors.GetCode(err))
		return nil, err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old, version := t.active.LoadVersion()
	next, counts, err := fn(old.Scheme())
	if err != nil {
		s.metrics.RecordError(string(op), perrors.GetCode(err))
		s.logger.Warn().Err(err).Str("table", tableName).Str("operation", string(op)).Msg("Scheme change rejected")
		return nil, err
	}

	p, err := s.newPlanner(next)
	if err != nil {
		return nil, err
	}

	v, err := s.catalog.AppendWithRowCounts(ctx, tableName, version+1, next, op, counts)
	if err != nil {
		s.metrics.RecordError(string(op), perrors.GetCode(err))
		if perrors.GetCode(err) == perrors.CodeVersionConflict {
			s.reload(ctx, t)
		}
		return nil, err
	}

	if !t.active.CompareAndSwap(old, p, v.Version) {
		return nil, perrors.NewInternalError(fmt.Sprintf("planner for %s changed during %s", tableName, op), nil)
	}

	s.metrics.RecordEvolution(tableName, string(op), next.Len())
	s.publish(ctx, v)
	s.notify(events.SchemeEvolved, v)

	s.logger.Info().
		Str("table", tableName).
		Str("operation", string(op)).
		Int64("version", v.Version).
		Int("partitions", next.Len()).
		Str("fingerprint", v.Fingerprint).
		Msg("Scheme evolved")
	return v, nil
}

// reload installs the catalog's latest version. Caller holds t.writeMu.
func (s *Service) reload(ctx context.Context, t *table) {
	v, err := s.catalog.Latest(ctx, t.name)
	if err != nil {
		s.logger.Error().Err(err).Str("table", t.name).Msg("Failed to reload table after conflict")
		return
	}
	p, err := s.newPlanner(v.Scheme)
	if err != nil {
		s.logger.Error().Err(err).Str("table", t.name).Msg("Failed to rebuild planner after conflict")
		return
	}
	t.active.Store(p, v.Version)
	s.notify(events.TableReloaded, v)
	s.logger.Warn().Str("table", t.name).Int64("version", v.Version).Msg("Reloaded table after version conflict")
}

func (s *Service) notify(kind events.Kind, v *catalog.Version) {
	s.events.Publish(events.Notification{
		Kind:        kind,
		Table:       v.Table,
		Version:     v.Version,
		Operation:   string(v.Operation),
		Fingerprint: v.Fingerprint,
		Partitions:  v.Scheme.Len(),
		Timestamp:   v.CreatedAt.UnixNano(),
	})
}

// Watch blocks until the table serves a version newer than after and
// returns that scheme. It returns ctx.Err() when ctx ends first.
func (s *Service) Watch(ctx context.Context, tableName string, after int64) (*TableScheme, error) {
	if _, err := s.table(tableName); err != nil {
		return nil, err
	}

	sub := s.events.Subscribe(tableName)
	defer s.events.Unsubscribe(sub.ID)

	// Subscribed before reading so no change can slip between the two.
	cur, err := s.Scheme(ctx, tableName)
	if err != nil {
		return nil, err
	}
	if cur.Version > after {
		return cur, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sub.Ch:
			cur, err := s.Scheme(ctx, tableName)
			if err != nil {
				return nil, err
			}
			if cur.Version > after {
				return cur, nil
			}
		}
	}
}

// publish uploads v as a snapshot. Failures are logged and counted; the
// catalog remains the source of truth.
func (s *Service) publish(ctx context.Context, v *catalog.Version) {
	if s.snapshots == nil {
		return
	}
	err := s.snapshots.Publish(ctx, &storage.Snapshot{
		Table:     v.Table,
		Version:   v.Version,
		Operation: string(v.Operation),
		Scheme:    v.Scheme,
	})
	if err != nil {
		s.metrics.RecordSnapshotFailure(v.Table)
		s.logger.Warn().Err(err).Str("table", v.Table).Int64("version", v.Version).Msg("Failed to publish snapshot")
	}
}
