// Package catalog persists the version history of every table's partition
// scheme in SQLite.
package catalog

// CreateSchemesTableSQL creates the scheme history table. Each row is one
// immutable version of a table's scheme; versions start at 1 and increase
// by exactly one per change.
const CreateSchemesTableSQL = `
CREATE TABLE IF NOT EXISTS schemes (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    document TEXT NOT NULL,
    operation TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, version)
)`

// CreatePartitionStatsTableSQL creates the observed row count table used
// to weight partitions.
const CreatePartitionStatsTableSQL = `
CREATE TABLE IF NOT EXISTS partition_stats (
    table_name TEXT NOT NULL,
    partition_name TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, partition_name)
)`

// CreateIndexesSQL creates secondary indexes.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_schemes_fingerprint ON schemes(fingerprint)`,
	`CREATE INDEX IF NOT EXISTS idx_schemes_created ON schemes(created_at)`,
}

// AllSchemaSQL returns every statement needed to initialize the catalog.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateSchemesTableSQL,
		CreatePartitionStatsTableSQL,
	}
	return append(stmts, CreateIndexesSQL...)
}
