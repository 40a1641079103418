package policy

import (
	"database/sql"
	"fmt"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS seeding (
	repo   TEXT PRIMARY KEY,
	policy TEXT NOT NULL,
	scope  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS following (
	node   TEXT PRIMARY KEY,
	policy TEXT NOT NULL,
	alias  TEXT NOT NULL DEFAULT ''
);
`

// OpenSQLite loads persisted policies from path and keeps writing to it.
func OpenSQLite(path string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("policy: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("policy: migrate: %w", err)
	}
	s := NewMemory(cfg)
	if err := s.load(db); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	log.Debug().Msgf("policy.OpenSQLite ok path=%q seeds=%d follows=%d", path, len(s.seeds), len(s.follows))
	return s, nil
}

func (s *Store) load(db *sql.DB) error {
	rows, err := db.Query("SELECT repo, policy, scope FROM seeding")
	if err != nil {
		return fmt.Errorf("policy: read seeding: %w", err)
	}
	for rows.Next() {
		var repo, rawPolicy, rawScope string
		if err := rows.Scan(&repo, &rawPolicy, &rawScope); err != nil {
			rows.Close()
			return fmt.Errorf("policy: scan seeding: %w", err)
		}
		p, perr := ParsePolicy(rawPolicy)
		scope, serr := ParseScope(rawScope)
		if perr != nil || serr != nil {
			log.Warn().Msgf("policy.Store.load skip repo=%s policy=%q scope=%q", repo, rawPolicy, rawScope)
			continue
		}
		s.seeds[storage.RepoID(repo)] = SeedPolicy{Repo: storage.RepoID(repo), Policy: p, Scope: scope}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = db.Query("SELECT node, policy, alias FROM following")
	if err != nil {
		return fmt.Errorf("policy: read following: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rawNode, rawPolicy, alias string
		if err := rows.Scan(&rawNode, &rawPolicy, &alias); err != nil {
			return fmt.Errorf("policy: scan following: %w", err)
		}
		node, nerr := identity.ParseNodeID(rawNode)
		p, perr := ParsePolicy(rawPolicy)
		if nerr != nil || perr != nil {
			log.Warn().Msgf("policy.Store.load skip node=%q policy=%q", rawNode, rawPolicy)
			continue
		}
		s.follows[node] = FollowPolicy{Node: node, Policy: p, Alias: alias}
	}
	return rows.Err()
}
