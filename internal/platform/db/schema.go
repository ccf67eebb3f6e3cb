package db

import (
	"bufio"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres.sql
var postgresDDL string

//go:embed schema/sqlite.sql
var sqliteDDL string

// PostgresSchema returns the Postgres DDL for the intake tables.
func PostgresSchema() string {
	return postgresDDL
}

// SQLiteSchema returns the SQLite DDL for the intake tables.
func SQLiteSchema() string {
	return sqliteDDL
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return stmts
}

// ApplyPostgres runs the Postgres DDL in a single transaction. Every statement
// is CREATE ... IF NOT EXISTS so re-applying is a no-op.
func ApplyPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range SplitStatements(postgresDDL) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl statement %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

// ApplySQLite runs the SQLite DDL in a single transaction.
func ApplySQLite(ctx context.Context, conn *sql.DB) (retErr error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range SplitStatements(sqliteDDL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl statement %d: %w", i, err)
		}
	}

	return tx.Commit()
}
