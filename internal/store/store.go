// Package store implements the FollowStore external collaborator: a
// relational table of (remote_actor_id, remote_inbox_url, local_topic_actor)
// triples, backed by SQLite (pure-Go driver, default) or PostgreSQL.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and implements FollowStore.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. dsn may be a bare file path or
// "sqlite://path" for SQLite, or "postgres://..." for PostgreSQL.
func Open(dsn string) (*Store, error) {
	driver, conn := detectDriver(dsn)

	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate creates the follows table and its supporting index, per spec §6.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS follows (
			row_id TEXT PRIMARY KEY,
			id     TEXT NOT NULL,
			inbox  TEXT NOT NULL,
			actor  TEXT NOT NULL,
			UNIQUE(inbox, actor)
		)`,
		`CREATE INDEX IF NOT EXISTS follows_actor ON follows(actor, inbox)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	slog.Info("migrations complete")
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddFollow records that the remote actor (id, inbox) follows the local
// topic actor at actorURI. Duplicate inserts (same inbox+actor) are ignored
// by the insert itself (INSERT OR IGNORE / ON CONFLICT DO NOTHING), so they
// return no error.
func (s *Store) AddFollow(remoteActorID, remoteInbox, actorURI string) error {
	rowID := uuid.NewString()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO follows (row_id, id, inbox, actor) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO follows (row_id, id, inbox, actor) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, rowID, remoteActorID, remoteInbox, actorURI)
	return err
}

// DelFollow removes the follow row matching (id, actor).
func (s *Store) DelFollow(remoteActorID, actorURI string) error {
	var q string
	if s.driver == "sqlite" {
		q = `DELETE FROM follows WHERE id = ? AND actor = ?`
	} else {
		q = `DELETE FROM follows WHERE id = $1 AND actor = $2`
	}
	_, err := s.db.Exec(q, remoteActorID, actorURI)
	return err
}

// GetFollowingInboxes returns every inbox URL subscribed to actorURI.
func (s *Store) GetFollowingInboxes(actorURI string) ([]string, error) {
	rows, err := s.db.Query(`SELECT inbox FROM follows WHERE actor = `+s.ph(1), actorURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// GetFollowsCount returns the number of distinct remote actors (follow-row
// ids) following any local topic actor.
func (s *Store) GetFollowsCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM follows`).Scan(&n)
	return n, err
}

// GetFollowersCount returns the number of distinct local topic actors that
// have at least one follower.
func (s *Store) GetFollowersCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT actor) FROM follows`).Scan(&n)
	return n, err
}

func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(dsn string) (driver, conn string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", dsn
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	}
	return "sqlite", dsn
}
