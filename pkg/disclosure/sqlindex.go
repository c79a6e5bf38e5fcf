package disclosure

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

func nowUnixMilli() int64 { return time.Now().UnixMilli() }

// keepIndexes is how many materialized indexes survive pruning.
const keepIndexes = 5

// SQLIndex persists built search indexes in three tables keyed by index_key,
// so rebuilds are shared across processes. Works against sqlite and postgres.
type SQLIndex struct {
	db       *sql.DB
	postgres bool
}

// NewSQLIndex prepares the schema. driver is the database/sql driver name
// ("sqlite" or "postgres").
func NewSQLIndex(ctx context.Context, db *sql.DB, driver string) (*SQLIndex, error) {
	idx := &SQLIndex{db: db, postgres: driver == "postgres"}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS search_meta (
			index_key TEXT PRIMARY KEY,
			built_at  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS search_docs (
			index_key   TEXT NOT NULL,
			pos         INTEGER NOT NULL,
			id          TEXT NOT NULL,
			kind        TEXT NOT NULL,
			title       TEXT NOT NULL,
			subtitle    TEXT NOT NULL,
			detail      TEXT NOT NULL,
			search_text TEXT NOT NULL,
			PRIMARY KEY (index_key, pos)
		)`,
		`CREATE TABLE IF NOT EXISTS search_tokens (
			index_key TEXT NOT NULL,
			token     TEXT NOT NULL,
			pos       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS search_tokens_lookup
			ON search_tokens (index_key, token)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("search schema: %w", err)
		}
	}
	return idx, nil
}

// rebind converts ? placeholders to $n for postgres.
func (x *SQLIndex) rebind(q string) string {
	if !x.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Load reads a materialized index, or nil when the key is absent.
func (x *SQLIndex) Load(ctx context.Context, indexKey string) (*builtIndex, error) {
	var builtAt int64
	err := x.db.QueryRowContext(ctx,
		x.rebind(`SELECT built_at FROM search_meta WHERE index_key = ?`), indexKey).Scan(&builtAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search meta read: %w", err)
	}

	rows, err := x.db.QueryContext(ctx, x.rebind(
		`SELECT pos, id, kind, title, subtitle, detail, search_text
		 FROM search_docs WHERE index_key = ? ORDER BY pos`), indexKey)
	if err != nil {
		return nil, fmt.Errorf("search docs read: %w", err)
	}
	defer rows.Close()

	idx := &builtIndex{tokens: map[string][]int{}}
	for rows.Next() {
		var pos int
		var doc Document
		if err := rows.Scan(&pos, &doc.ID, &doc.Kind, &doc.Title, &doc.Subtitle, &doc.Detail, &doc.SearchText); err != nil {
			return nil, fmt.Errorf("search docs scan: %w", err)
		}
		idx.docs = append(idx.docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tokenRows, err := x.db.QueryContext(ctx, x.rebind(
		`SELECT token, pos FROM search_tokens WHERE index_key = ?`), indexKey)
	if err != nil {
		return nil, fmt.Errorf("search tokens read: %w", err)
	}
	defer tokenRows.Close()
	for tokenRows.Next() {
		var token string
		var pos int
		if err := tokenRows.Scan(&token, &pos); err != nil {
			return nil, fmt.Errorf("search tokens scan: %w", err)
		}
		idx.tokens[token] = append(idx.tokens[token], pos)
	}
	return idx, tokenRows.Err()
}

// Store materializes an index under indexKey and prunes all but the five
// newest indexes.
func (x *SQLIndex) Store(ctx context.Context, indexKey string, idx *builtIndex) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("search index tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM search_meta WHERE index_key = ?`,
		`DELETE FROM search_docs WHERE index_key = ?`,
		`DELETE FROM search_tokens WHERE index_key = ?`,
	} {
		if _, err := tx.ExecContext(ctx, x.rebind(stmt), indexKey); err != nil {
			return fmt.Errorf("search index clear: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, x.rebind(
		`INSERT INTO search_meta (index_key, built_at) VALUES (?, ?)`),
		indexKey, nowUnixMilli()); err != nil {
		return fmt.Errorf("search meta write: %w", err)
	}
	for pos, doc := range idx.docs {
		if _, err := tx.ExecContext(ctx, x.rebind(
			`INSERT INTO search_docs (index_key, pos, id, kind, title, subtitle, detail, search_text)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			indexKey, pos, doc.ID, doc.Kind, doc.Title, doc.Subtitle, doc.Detail, doc.SearchText); err != nil {
			return fmt.Errorf("search doc write: %w", err)
		}
	}
	for token, postings := range idx.tokens {
		for _, pos := range postings {
			if _, err := tx.ExecContext(ctx, x.rebind(
				`INSERT INTO search_tokens (index_key, token, pos) VALUES (?, ?, ?)`),
				indexKey, token, pos); err != nil {
				return fmt.Errorf("search token write: %w", err)
			}
		}
	}

	// Keep only the newest indexes.
	rows, err := tx.QueryContext(ctx,
		`SELECT index_key FROM search_meta ORDER BY built_at DESC`)
	if err != nil {
		return fmt.Errorf("search prune scan: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for i := keepIndexes; i < len(keys); i++ {
		for _, stmt := range []string{
			`DELETE FROM search_meta WHERE index_key = ?`,
			`DELETE FROM search_docs WHERE index_key = ?`,
			`DELETE FROM search_tokens WHERE index_key = ?`,
		} {
			if _, err := tx.ExecContext(ctx, x.rebind(stmt), keys[i]); err != nil {
				return fmt.Errorf("search prune: %w", err)
			}
		}
	}
	return tx.Commit()
}
