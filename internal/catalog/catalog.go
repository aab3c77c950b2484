package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/scheme"
)

// Operation records what produced a scheme version.
type Operation string

const (
	OpCreate        Operation = "create"
	OpAddPartition  Operation = "add_partition"
	OpDropPartition Operation = "drop_partition"
	OpReweight      Operation = "reweight"
)

// Version is one stored scheme version.
type Version struct {
	Table       string         `json:"table"`
	Version     int64          `json:"version"`
	Fingerprint string         `json:"fingerprint"`
	Operation   Operation      `json:"operation"`
	CreatedAt   time.Time      `json:"created_at"`
	Scheme      *scheme.Scheme `json:"scheme"`
}

// Catalog stores scheme versions per table.
type Catalog interface {
	// CreateTable stores s as version 1 of a new table.
	CreateTable(ctx context.Context, table string, s *scheme.Scheme) (*Version, error)

	// Append stores s as version next. next must be exactly one past the
	// latest stored version, otherwise a version conflict is returned and
	// nothing is written.
	Append(ctx context.Context, table string, next int64, s *scheme.Scheme, op Operation) (*Version, error)

	// AppendWithRowCounts is Append that also upserts counts in the same
	// transaction. On a conflict neither is written.
	AppendWithRowCounts(ctx context.Context, table string, next int64, s *scheme.Scheme, op Operation, counts map[string]int64) (*Version, error)

	// Latest returns the newest version of table.
	Latest(ctx context.Context, table string) (*Version, error)

	// Version returns a specific version of table.
	Version(ctx context.Context, table string, version int64) (*Version, error)

	// History returns every version of table, oldest first.
	History(ctx context.Context, table string) ([]*Version, error)

	// Tables returns all table names in sorted order.
	Tables(ctx context.Context) ([]string, error)

	// RecordRowCounts upserts observed row counts for partitions of table.
	RecordRowCounts(ctx context.Context, table string, counts map[string]int64) error

	// RowCounts returns the recorded row counts for table.
	RowCounts(ctx context.Context, table string) (map[string]int64, error)

	// Close closes the catalog database connections.
	Close() error
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	mu     sync.Mutex // Serializes writers
	now    func() time.Time
}

// NewCatalog opens or creates the catalog database at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	// Schema must exist before read-only connections open the file.
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (c *SQLiteCatalog) Path() string {
	return c.dbPath
}

// CreateTable stores s as version 1 of table.
func (c *SQLiteCatalog) CreateTable(ctx context.Context, table string, s *scheme.Scheme) (*Version, error) {
	if table == "" {
		return nil, fmt.Errorf("catalog: table name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	latest, err := latestVersionTx(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if latest > 0 {
		return nil, perrors.Newf(perrors.ErrCategoryCatalog, perrors.CodeTableExists, "table %q already exists", table).
			WithDetails(map[string]interface{}{"table": table, "version": latest})
	}

	v, err := c.insertVersion(ctx, tx, table, 1, s, OpCreate)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit: %w", err)
	}
	return v, nil
}

// Append stores s as version next of table.
func (c *SQLiteCatalog) Append(ctx context.Context, table string, next int64, s *scheme.Scheme, op Operation) (*Version, error) {
	return c.AppendWithRowCounts(ctx, table, next, s, op, nil)
}

// AppendWithRowCounts stores s as version next of table and records counts.
func (c *SQLiteCatalog) AppendWithRowCounts(ctx context.Context, table string, next int64, s *scheme.Scheme, op Operation, counts map[string]int64) (*Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	latest, err := latestVersionTx(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, tableNotFound(table)
	}
	if next != latest+1 {
		return nil, perrors.Newf(perrors.ErrCategoryCatalog, perrors.CodeVersionConflict,
			"table %q is at version %d, cannot write version %d", table, latest, next).
			WithDetails(map[string]interface{}{"table": table, "latest": latest, "attempted": next})
	}

	v, err := c.insertVersion(ctx, tx, table, next, s, op)
	if err != nil {
		return nil, err
	}
	if err := c.upsertRowCounts(ctx, tx, table, counts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit: %w", err)
	}
	return v, nil
}

func latestVersionTx(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var latest sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schemes WHERE table_name = ?`, table).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to read latest version: %w", err)
	}
	return latest.Int64, nil
}

func (c *SQLiteCatalog) insertVersion(ctx context.Context, tx *sql.Tx, table string, version int64, s *scheme.Scheme, op Operation) (*Version, error) {
	doc, err := s.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to encode scheme: %w", err)
	}

	createdAt := c.now().UTC()
	fingerprint := s.FingerprintHex()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO schemes (table_name, version, fingerprint, document, operation, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		table, version, fingerprint, string(doc), string(op), createdAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to insert version %d of %s: %w", version, table, err)
	}

	return &Version{
		Table:       table,
		Version:     version,
		Fingerprint: fingerprint,
		Operation:   op,
		CreatedAt:   createdAt,
		Scheme:      s,
	}, nil
}

const selectVersionSQL = `
	SELECT table_name, version, fingerprint, document, operation, created_at
	FROM schemes`

// Latest returns the newest version of table.
func (c *SQLiteCatalog) Latest(ctx context.Context, table string) (*Version, error) {
	row := c.readDB.QueryRowContext(ctx, selectVersionSQL+`
		WHERE table_name = ? ORDER BY version DESC LIMIT 1`, table)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tableNotFound(table)
	}
	return v, err
}

// Version returns a specific version of table.
func (c *SQLiteCatalog) Version(ctx context.Context, table string, version int64) (*Version, error) {
	row := c.readDB.QueryRowContext(ctx, selectVersionSQL+`
		WHERE table_name = ? AND version = ?`, table, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perrors.Newf(perrors.ErrCategoryCatalog, perrors.CodeTableNotFound,
			"table %q has no version %d", table, version).
			WithDetails(map[string]interface{}{"table": table, "version": version})
	}
	return v, err
}

// History returns every version of table, oldest first.
func (c *SQLiteCatalog) History(ctx context.Context, table string) ([]*Version, error) {
	rows, err := c.readDB.QueryContext(ctx, selectVersionSQL+`
		WHERE table_name = ? ORDER BY version`, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query history: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: failed to iterate history: %w", err)
	}
	if len(versions) == 0 {
		return nil, tableNotFound(table)
	}
	return versions, nil
}

// Tables returns all table names in sorted order.
func (c *SQLiteCatalog) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT DISTINCT table_name FROM schemes ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// RecordRowCounts upserts observed row counts.
func (c *SQLiteCatalog) RecordRowCounts(ctx context.Context, table string, counts map[string]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.upsertRowCounts(ctx, tx, table, counts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) upsertRowCounts(ctx context.Context, tx *sql.Tx, table string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO partition_stats (table_name, partition_name, row_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, partition_name)
		DO UPDATE SET row_count = excluded.row_count, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("catalog: failed to prepare stats upsert: %w", err)
	}
	defer stmt.Close()

	now := c.now().UnixNano()
	for name, count := range counts {
		if count < 0 {
			return perrors.InvalidScheme("row count for %q must not be negative, got %d", name, count).
				WithDetails(map[string]interface{}{"partition": name, "row_count": count})
		}
		if _, err := stmt.ExecContext(ctx, table, name, count, now); err != nil {
			return fmt.Errorf("catalog: failed to record row count for %s: %w", name, err)
		}
	}
	return nil
}

// RowCounts returns the recorded row counts for table.
func (c *SQLiteCatalog) RowCounts(ctx context.Context, table string) (map[string]int64, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT partition_name, row_count FROM partition_stats WHERE table_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query row counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan row count: %w", err)
		}
		counts[name] = count
	}
	return counts, rows.Err()
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (*Version, error) {
	var (
		v         Version
		document  string
		operation string
		createdAt int64
	)
	if err := row.Scan(&v.Table, &v.Version, &v.Fingerprint, &document, &operation, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("catalog: failed to scan version: %w", err)
	}

	s, err := scheme.Decode([]byte(document))
	if err != nil {
		return nil, perrors.NewCatalogError(perrors.CodeCorruptVersion,
			fmt.Sprintf("stored scheme for %s version %d does not decode", v.Table, v.Version), err).
			WithDetails(map[string]interface{}{"table": v.Table, "version": v.Version})
	}
	if s.FingerprintHex() != v.Fingerprint {
		return nil, perrors.NewCatalogError(perrors.CodeCorruptVersion,
			fmt.Sprintf("stored scheme for %s version %d has fingerprint %s, recorded %s",
				v.Table, v.Version, s.FingerprintHex(), v.Fingerprint), nil).
			WithDetails(map[string]interface{}{"table": v.Table, "version": v.Version})
	}

	v.Operation = Operation(operation)
	v.CreatedAt = time.Unix(0, createdAt).UTC()
	v.Scheme = s
	return &v, nil
}

func tableNotFound(table string) error {
	return perrors.Newf(perrors.ErrCategoryCatalog, perrors.CodeTableNotFound, "table %q not found", table).
		With("table", table)
}
