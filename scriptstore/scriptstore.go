// Package scriptstore persists per-guild script sets. The worker reads
// from it when a load or reload message carries no inline scripts.
package scriptstore

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/tenant"
)

// Store reads and writes guild script sets.
type Store interface {
	// Scripts returns the guild's scripts in a stable order.
	Scripts(ctx context.Context, guild string) ([]tenant.Script, error)
	// Put inserts or replaces one script.
	Put(ctx context.Context, guild string, s tenant.Script) error
	// Delete removes one script. Deleting an absent script is not an error.
	Delete(ctx context.Context, guild, scriptID string) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS guild_scripts (
	guild    TEXT NOT NULL,
	id       TEXT NOT NULL,
	name     TEXT NOT NULL,
	source   TEXT NOT NULL,
	hash     TEXT NOT NULL,
	enabled  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (guild, id)
);
CREATE INDEX IF NOT EXISTS idx_guild_scripts_guild ON guild_scripts (guild);
`

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindNotInitialized, err, "opening script store at %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindNotInitialized, err, "connecting to script store at %s", path)
	}

	// sqlite allows one writer; a second connection would just trade
	// SQLITE_BUSY errors for queueing we get anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindNotInitialized, err, "applying pragmas")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindNotInitialized, err, "applying schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Scripts(ctx context.Context, guild string) ([]tenant.Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source, hash, enabled
		FROM guild_scripts
		WHERE guild = ?
		ORDER BY id ASC
	`, guild)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "querying scripts for guild %s", guild)
	}
	defer rows.Close()

	var out []tenant.Script
	for rows.Next() {
		var sc tenant.Script
		var enabled int
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Source, &sc.Hash, &enabled); err != nil {
			return nil, errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "scanning script row")
		}
		sc.Enabled = enabled != 0
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "reading script rows")
	}
	return out, nil
}

func (s *SQLite) Put(ctx context.Context, guild string, sc tenant.Script) error {
	if sc.ID == "" {
		return errors.InvalidInput(errors.PhaseStorage, "script id cannot be empty")
	}
	enabled := 0
	if sc.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_scripts (guild, id, name, source, hash, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild, id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			hash = excluded.hash,
			enabled = excluded.enabled
	`, guild, sc.ID, sc.Name, sc.Source, sc.ContentHash(), enabled)
	if err != nil {
		return errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "storing script %s for guild %s", sc.ID, guild)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, guild, scriptID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM guild_scripts WHERE guild = ? AND id = ?`, guild, scriptID)
	if err != nil {
		return errors.Wrap(errors.PhaseStorage, errors.KindInvalidInput, err, "deleting script %s for guild %s", scriptID, guild)
	}
	return nil
}

// Memory is an in-process Store for tests and single-run workers.
type Memory struct {
	mu      sync.Mutex
	byGuild map[string]map[string]tenant.Script
}

func NewMemory() *Memory {
	return &Memory{byGuild: make(map[string]map[string]tenant.Script)}
}

func (m *Memory) Scripts(ctx context.Context, guild string) ([]tenant.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byGuild[guild]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]tenant.Script, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out, nil
}

func (m *Memory) Put(ctx context.Context, guild string, s tenant.Script) error {
	if s.ID == "" {
		return errors.InvalidInput(errors.PhaseStorage, "script id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byGuild[guild]
	if set == nil {
		set = make(map[string]tenant.Script)
		m.byGuild[guild] = set
	}
	s.Hash = s.ContentHash()
	set[s.ID] = s
	return nil
}

func (m *Memory) Delete(ctx context.Context, guild, scriptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byGuild[guild], scriptID)
	return nil
}

func (m *Memory) Close() error { return nil }
