package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS manifests (
	repo      TEXT NOT NULL,
	object    TEXT NOT NULL,
	type_name TEXT NOT NULL,
	version   INTEGER NOT NULL,
	PRIMARY KEY (repo, object)
);
CREATE TABLE IF NOT EXISTS operations (
	repo   TEXT NOT NULL,
	object TEXT NOT NULL,
	id     TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	body   BLOB NOT NULL,
	PRIMARY KEY (repo, id)
);
CREATE INDEX IF NOT EXISTS operations_object_seq ON operations (repo, object, seq);
`

// SQLiteStore keeps operations as canonical CBOR rows.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path. Use ":memory:" for a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// One writer keeps sqlite locking simple and in-memory databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: busy_timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Debug().Msgf("storage.OpenSQLite ok path=%q", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadOperation(ctx context.Context, repo RepoID, id OpID) (Operation, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM operations WHERE repo = ? AND id = ?", repo, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("storage: load operation %s: %w", id, err)
	}
	op, err := UnmarshalOperation(body)
	if err != nil {
		return Operation{}, &OpsError{Kind: OpsLoad, Repo: repo, Err: err}
	}
	return op, nil
}

func (s *SQLiteStore) LoadManifest(ctx context.Context, repo RepoID, object ObjectID) (Manifest, error) {
	var m Manifest
	err := s.db.QueryRowContext(ctx,
		"SELECT type_name, version FROM manifests WHERE repo = ? AND object = ?", repo, object,
	).Scan(&m.TypeName, &m.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Manifest{}, ErrNotFound
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("storage: load manifest %s/%s: %w", repo, object, err)
	}
	return m, nil
}

func (s *SQLiteStore) Ops(ctx context.Context, repo RepoID, object ObjectID, since OpID) (Iterator, error) {
	if _, err := s.LoadManifest(ctx, repo, object); err != nil {
		return nil, &OpsError{Kind: OpsManifest, Repo: repo, Object: object, Err: err}
	}
	var from int64
	if since != "" {
		err := s.db.QueryRowContext(ctx,
			"SELECT seq FROM operations WHERE repo = ? AND object = ? AND id = ?", repo, object, since,
		).Scan(&from)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, &OpsError{Kind: OpsCommit, Repo: repo, Object: object, Err: err}
		}
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM operations WHERE repo = ? AND object = ? AND seq > ? ORDER BY seq", repo, object, from,
	)
	if err != nil {
		return nil, &OpsError{Kind: OpsCommit, Repo: repo, Object: object, Err: err}
	}
	return &rowsIter{rows: rows, repo: repo, object: object}, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, repo RepoID, object ObjectID, manifest Manifest, ops []Operation) (OpID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	var existing Manifest
	err = tx.QueryRowContext(ctx,
		"SELECT type_name, version FROM manifests WHERE repo = ? AND object = ?", repo, object,
	).Scan(&existing.TypeName, &existing.Version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO manifests (repo, object, type_name, version) VALUES (?, ?, ?, ?)",
			repo, object, manifest.TypeName, manifest.Version,
		); err != nil {
			return "", fmt.Errorf("storage: insert manifest: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("storage: read manifest: %w", err)
	case manifest.TypeName != "" && existing.TypeName != manifest.TypeName:
		return "", &OpsError{Kind: OpsManifest, Repo: repo, Object: object, Err: ErrManifestMismatch}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM operations WHERE repo = ? AND object = ?", repo, object,
	).Scan(&seq); err != nil {
		return "", fmt.Errorf("storage: read seq: %w", err)
	}
	for _, op := range ops {
		body, err := MarshalOperation(op)
		if err != nil {
			return "", err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO operations (repo, object, id, seq, body) VALUES (?, ?, ?, ?, ?)",
			repo, object, op.ID, seq+1, body,
		)
		if err != nil {
			return "", fmt.Errorf("storage: insert operation %s: %w", op.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seq++
		}
	}

	var tip OpID
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM operations WHERE repo = ? AND object = ? ORDER BY seq DESC LIMIT 1", repo, object,
	).Scan(&tip)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("storage: read tip: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("storage: commit: %w", err)
	}
	return tip, nil
}

func (s *SQLiteStore) Inventory(ctx context.Context) ([]ObjectTip, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT o.repo, o.object, o.id
FROM operations o
JOIN (SELECT repo, object, MAX(seq) AS seq FROM operations GROUP BY repo, object) m
  ON o.repo = m.repo AND o.object = m.object AND o.seq = m.seq
ORDER BY o.repo, o.object`)
	if err != nil {
		return nil, fmt.Errorf("storage: inventory: %w", err)
	}
	defer rows.Close()
	var out []ObjectTip
	for rows.Next() {
		var tip ObjectTip
		if err := rows.Scan(&tip.Repo, &tip.Object, &tip.Tip); err != nil {
			return nil, fmt.Errorf("storage: inventory scan: %w", err)
		}
		out = append(out, tip)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowsIter struct {
	rows   *sql.Rows
	repo   RepoID
	object ObjectID
	op     Operation
	err    error
}

func (it *rowsIter) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var body []byte
	if err := it.rows.Scan(&body); err != nil {
		it.err = &OpsError{Kind: OpsCommit, Repo: it.repo, Object: it.object, Err: err}
		return false
	}
	op, err := UnmarshalOperation(body)
	if err != nil {
		it.err = &OpsError{Kind: OpsLoad, Repo: it.repo, Object: it.object, Err: err}
		return false
	}
	it.op = op
	return true
}

func (it *rowsIter) Op() Operation {
	return it.op
}

func (it *rowsIter) Err() error {
	if it.err != nil {
		return it.err
	}
	if err := it.rows.Err(); err != nil {
		return &OpsError{Kind: OpsCommit, Repo: it.repo, Object: it.object, Err: err}
	}
	return nil
}

func (it *rowsIter) Close() error {
	return it.rows.Close()
}
