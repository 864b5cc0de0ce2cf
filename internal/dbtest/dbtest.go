// Package dbtest opens in-memory sqlite databases carrying the courier schema
// for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var seq int64

// Open returns a fresh database. SQLite has no row locks, so FOR UPDATE
// clauses are stripped and the pool is pinned to one connection.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := fmt.Sprintf("file:courier_%d?mode=memory&cache=shared", atomic.AddInt64(&seq, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("dbtest:strip_locks", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("dbtest:strip_locks_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("dbtest:strip_locks_raw", stripLocks); err != nil {
		t.Fatalf("register raw callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v\n%s", err, stmt)
		}
	}
	return db
}

var schema = []string{
	`CREATE TABLE outbox_events (
		id INTEGER PRIMARY KEY,
		org_id INTEGER,
		kind TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME,
		last_error TEXT,
		locked_by TEXT,
		locked_until DATETIME,
		delivered_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_outbox_events_dedupe_live ON outbox_events (dedupe_key) WHERE status <> 'dead_lettered'`,
	`CREATE TABLE inbound_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		org_id INTEGER,
		payload BLOB NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_inbound_events_provider_event ON inbound_events (provider, event_id)`,
	`CREATE TABLE dead_letter_entries (
		id INTEGER PRIMARY KEY,
		source TEXT NOT NULL,
		source_id INTEGER NOT NULL,
		org_id INTEGER,
		kind TEXT NOT NULL,
		reference TEXT NOT NULL,
		last_error TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		replay_count INTEGER NOT NULL DEFAULT 0,
		source_created_at DATETIME NOT NULL,
		dead_lettered_at DATETIME NOT NULL,
		replayed_at DATETIME
	)`,
	`CREATE TABLE dead_letter_replays (
		id INTEGER PRIMARY KEY,
		entry_id INTEGER NOT NULL,
		actor TEXT NOT NULL,
		result TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		email TEXT,
		created_at DATETIME
	)`,
	`CREATE TABLE invoices (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		customer_id INTEGER,
		created_at DATETIME
	)`,
	`CREATE TABLE payment_events (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		invoice_id INTEGER,
		customer_id INTEGER,
		amount INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		occurred_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_events_provider_event ON payment_events (provider, provider_event_id)`,
}
