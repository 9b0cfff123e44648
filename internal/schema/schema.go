// Package schema provides warehouse schema introspection and caching for LLM context.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hoonartek/peggybuddy/internal/warehouse"
)

// ErrIntrospection marks metadata failures. Callers must not build a prompt
// from a schema that failed to load.
var ErrIntrospection = errors.New("schema introspection failed")

// Table represents a warehouse table and its columns in ordinal order.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column represents a table column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Introspector issues the metadata queries for one database and schema.
type Introspector struct {
	dialect  warehouse.Dialect
	database string
	schema   string
}

// NewIntrospector creates an introspector for one database and schema.
func NewIntrospector(dialect warehouse.Dialect, database, schemaName string) *Introspector {
	return &Introspector{dialect: dialect, database: database, schema: schemaName}
}

// Database returns the introspected database.
func (i *Introspector) Database() string { return i.database }

// Schema returns the introspected schema.
func (i *Introspector) Schema() string { return i.schema }

// TableNames lists the distinct tables of the schema in alphabetical order.
func (i *Introspector) TableNames(ctx context.Context, db *sql.DB) ([]string, error) {
	var query string
	switch i.dialect {
	case warehouse.DialectPostgres:
		query = `
		SELECT DISTINCT table_name
		FROM information_schema.columns
		WHERE table_catalog = current_database()
		  AND lower(table_schema) = lower($1)
		ORDER BY table_name`
	default:
		query = fmt.Sprintf(`
		SELECT DISTINCT TABLE_NAME
		FROM %s.INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME`, i.database)
	}

	rows, err := db.QueryContext(ctx, query, i.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Columns lists the columns of table with their data types.
func (i *Introspector) Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	var query string
	switch i.dialect {
	case warehouse.DialectPostgres:
		query = `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_catalog = current_database()
		  AND lower(table_schema) = lower($1)
		  AND table_name = $2
		ORDER BY ordinal_position`
	default:
		query = fmt.Sprintf(`
		SELECT COLUMN_NAME, DATA_TYPE
		FROM %s.INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ?
		  AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, i.database)
	}

	rows, err := db.QueryContext(ctx, query, i.schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

type tableKey struct {
	database string
	schema   string
	table    string
}

// Cache memoizes introspection results for one session's credentials,
// keyed by (database, schema) for the table list and (database, schema,
// table) for columns. Entries live until Invalidate.
type Cache struct {
	introspector *Introspector
	opener       warehouse.Opener
	creds        warehouse.Credentials

	mu          sync.Mutex
	tableNames  map[tableKey][]string
	columns     map[tableKey][]Column
	lastRefresh time.Time
}

// NewCache creates an empty schema cache.
func NewCache(introspector *Introspector, opener warehouse.Opener, creds warehouse.Credentials) *Cache {
	return &Cache{
		introspector: introspector,
		opener:       opener,
		creds:        creds,
		tableNames:   make(map[tableKey][]string),
		columns:      make(map[tableKey][]Column),
	}
}

// Load returns every table with its columns, querying the warehouse only for
// entries not yet cached. Any metadata failure is returned; a partial schema
// is never returned.
func (c *Cache) Load(ctx context.Context) ([]Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var db *sql.DB
	conn := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		var err error
		db, err = c.opener.Open(ctx, c.creds)
		return db, err
	}
	defer func() {
		if db != nil {
			db.Close()
		}
	}()

	schemaKey := tableKey{database: c.introspector.database, schema: c.introspector.schema}
	names, ok := c.tableNames[schemaKey]
	if !ok {
		handle, err := conn()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIntrospection, err)
		}
		names, err = c.introspector.TableNames(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("%w: list tables in %s.%s: %w", ErrIntrospection, schemaKey.database, schemaKey.schema, err)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: no tables visible in %s.%s", ErrIntrospection, schemaKey.database, schemaKey.schema)
		}
		c.tableNames[schemaKey] = names
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		key := tableKey{database: schemaKey.database, schema: schemaKey.schema, table: name}
		cols, ok := c.columns[key]
		if !ok {
			handle, err := conn()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrIntrospection, err)
			}
			cols, err = c.introspector.Columns(ctx, handle, name)
			if err != nil {
				return nil, fmt.Errorf("%w: describe %s: %w", ErrIntrospection, name, err)
			}
			c.columns[key] = cols
		}
		tables = append(tables, Table{Name: name, Columns: append([]Column(nil), cols...)})
	}

	if db != nil {
		c.lastRefresh = time.Now()
	}
	return tables, nil
}

// Invalidate drops every cached entry so the next Load re-reads the warehouse.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableNames = make(map[tableKey][]string)
	c.columns = make(map[tableKey][]Column)
}

// GetLastRefresh returns when the warehouse was last queried. A nil cache
// was never refreshed.
func (c *Cache) GetLastRefresh() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh
}

// TableNames returns the names of tables in order.
func TableNames(tables []Table) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

// ToText serializes tables to the text format used in the instruction prompt.
func ToText(tables []Table) string {
	var sb strings.Builder
	for i, table := range tables {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(tableToText(table))
	}
	return sb.String()
}

func tableToText(t Table) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("The table name %s has the following columns with their data types:\n", t.Name))
	for _, col := range t.Columns {
		sb.WriteString(fmt.Sprintf("- **%s**: %s\n", col.Name, col.Type))
	}
	return sb.String()
}
