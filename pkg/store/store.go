// Package store persists chunks and site snapshots on the server side:
// chunk bytes are sharded across 256 independent SQLite databases keyed by
// the first byte of their digest, and site/snapshot/token metadata lives
// in a single index database.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/webpubdev/webpub/pkg/chunk"
	"github.com/webpubdev/webpub/pkg/codec/cborcanon"
	"github.com/webpubdev/webpub/pkg/merkle"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS sites (
	id INTEGER PRIMARY KEY,
	hostname TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY,
	site_id INTEGER NOT NULL REFERENCES sites(id),
	tree_data BLOB NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	is_current INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_snapshots_site ON snapshots(site_id);

CREATE TABLE IF NOT EXISTS tokens (
	id INTEGER PRIMARY KEY,
	token TEXT UNIQUE NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
);
`

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	hash BLOB PRIMARY KEY,
	data BLOB NOT NULL
);
`

// Store is the server's persistence layer: a sharded chunk store plus the
// site/snapshot/token index.
type Store struct {
	baseDir string

	index *sql.DB

	mu       sync.Mutex
	chunkDBs map[byte]*sql.DB
}

// Open opens (creating if necessary) a Store rooted at baseDir.
func Open(baseDir string) (*Store, error) {
	if err := mkdirAll(baseDir); err != nil {
		return nil, err
	}
	if err := mkdirAll(baseDir + "/chunks"); err != nil {
		return nil, err
	}

	indexDB, err := sql.Open("sqlite", baseDir+"/index.db")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	// One connection: every index read and write is serialized through it.
	indexDB.SetMaxOpenConns(1)
	if _, err := indexDB.Exec(indexSchema); err != nil {
		indexDB.Close()
		return nil, fmt.Errorf("initialize index schema: %w", err)
	}

	return &Store{
		baseDir:  baseDir,
		index:    indexDB,
		chunkDBs: make(map[byte]*sql.DB),
	}, nil
}

// Close releases every open database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, db := range s.chunkDBs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// chunkDB returns the (lazily opened) shard database for digests whose
// first byte is prefix.
func (s *Store) chunkDB(prefix byte) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.chunkDBs[prefix]; ok {
		return db, nil
	}

	path := fmt.Sprintf("%s/chunks/%02x.db", s.baseDir, prefix)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open chunk shard %02x: %w", prefix, err)
	}
	// One connection per shard: access to each shard is serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(chunkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize chunk shard %02x schema: %w", prefix, err)
	}
	s.chunkDBs[prefix] = db
	return db, nil
}

// PutChunk stores a chunk's bytes, idempotently overwriting any existing
// bytes under the same digest.
func (s *Store) PutChunk(d chunk.Digest, data []byte) error {
	db, err := s.chunkDB(d[0])
	if err != nil {
		return err
	}
	if _, err := db.Exec("INSERT OR REPLACE INTO chunks (hash, data) VALUES (?, ?)", d[:], data); err != nil {
		return fmt.Errorf("store chunk %s: %w", d, err)
	}
	return nil
}

// GetChunk retrieves a chunk's bytes, or (nil, nil) if the chunk is not
// present.
func (s *Store) GetChunk(d chunk.Digest) ([]byte, error) {
	db, err := s.chunkDB(d[0])
	if err != nil {
		return nil, err
	}
	var data []byte
	err = db.QueryRow("SELECT data FROM chunks WHERE hash = ?", d[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", d, err)
	}
	return data, nil
}

// HasChunks returns the subset of digests that are already present,
// preserving input order.
func (s *Store) HasChunks(digests []chunk.Digest) ([]chunk.Digest, error) {
	var found []chunk.Digest
	for _, d := range digests {
		db, err := s.chunkDB(d[0])
		if err != nil {
			return nil, err
		}
		var exists int
		err = db.QueryRow("SELECT 1 FROM chunks WHERE hash = ?", d[:]).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("check chunk %s: %w", d, err)
		}
		if err == nil {
			found = append(found, d)
		}
	}
	return found, nil
}

// AddToken generates and persists a new random 32-byte bearer token,
// returning its lowercase hex encoding.
func (s *Store) AddToken() (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	if _, err := s.index.Exec("INSERT INTO tokens (token) VALUES (?)", token); err != nil {
		return "", fmt.Errorf("add token: %w", err)
	}
	return token, nil
}

// VerifyToken reports whether token is a currently valid bearer token.
func (s *Store) VerifyToken(token string) (bool, error) {
	var exists int
	err := s.index.QueryRow("SELECT 1 FROM tokens WHERE token = ?", token).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify token: %w", err)
	}
	return true, nil
}

// RevokeToken deletes a token; revoking an unknown token is not an error.
func (s *Store) RevokeToken(token string) error {
	if _, err := s.index.Exec("DELETE FROM tokens WHERE token = ?", token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// ListTokens returns every currently valid token.
func (s *Store) ListTokens() ([]string, error) {
	rows, err := s.index.Query("SELECT token FROM tokens")
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *Store) getOrCreateSite(hostname string) (int64, error) {
	var id int64
	err := s.index.QueryRow("SELECT id FROM sites WHERE hostname = ?", hostname).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("look up site %s: %w", hostname, err)
	}

	res, err := s.index.Exec("INSERT INTO sites (hostname) VALUES (?)", hostname)
	if err != nil {
		return 0, fmt.Errorf("create site %s: %w", hostname, err)
	}
	return res.LastInsertId()
}

// CreateSnapshot records tree as a new, current snapshot for hostname,
// demoting whichever snapshot was previously current. Returns the new
// snapshot's id.
func (s *Store) CreateSnapshot(hostname string, tree *merkle.Node) (int64, error) {
	siteID, err := s.getOrCreateSite(hostname)
	if err != nil {
		return 0, err
	}

	treeData, err := cborcanon.Marshal(tree)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot tree: %w", err)
	}

	tx, err := s.index.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE snapshots SET is_current = 0 WHERE site_id = ?", siteID); err != nil {
		return 0, fmt.Errorf("demote current snapshot: %w", err)
	}
	res, err := tx.Exec(
		"INSERT INTO snapshots (site_id, tree_data, is_current) VALUES (?, ?, 1)",
		siteID, treeData,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read new snapshot id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return id, nil
}

// GetCurrentSnapshot returns the current snapshot's id and tree for
// hostname, or (0, nil, nil) if the site has no current snapshot.
func (s *Store) GetCurrentSnapshot(hostname string) (int64, *merkle.Node, error) {
	var id int64
	var treeData []byte
	err := s.index.QueryRow(`
		SELECT s.id, s.tree_data
		FROM snapshots s
		JOIN sites si ON s.site_id = si.id
		WHERE si.hostname = ? AND s.is_current = 1
	`, hostname).Scan(&id, &treeData)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("get current snapshot for %s: %w", hostname, err)
	}

	var tree merkle.Node
	if err := cborcanon.Unmarshal(treeData, &tree); err != nil {
		return 0, nil, fmt.Errorf("decode snapshot tree: %w", err)
	}
	return id, &tree, nil
}

// SnapshotInfo is a single row of ListSnapshots' result.
type SnapshotInfo struct {
	ID        int64
	IsCurrent bool
	CreatedAt time.Time
}

// ListSnapshots returns every snapshot for hostname, most recent id
// first.
func (s *Store) ListSnapshots(hostname string) ([]SnapshotInfo, error) {
	rows, err := s.index.Query(`
		SELECT s.id, s.is_current, s.created_at
		FROM snapshots s
		JOIN sites si ON s.site_id = si.id
		WHERE si.hostname = ?
		ORDER BY s.id DESC
	`, hostname)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", hostname, err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var isCurrent int
		var createdAt string
		if err := rows.Scan(&info.ID, &isCurrent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		info.IsCurrent = isCurrent != 0
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			info.CreatedAt = t
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SetCurrentSnapshot marks snapshotID current for hostname, demoting
// whatever was previously current. Returns false if hostname has no such
// snapshot.
func (s *Store) SetCurrentSnapshot(hostname string, snapshotID int64) (bool, error) {
	var siteID int64
	err := s.index.QueryRow("SELECT id FROM sites WHERE hostname = ?", hostname).Scan(&siteID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up site %s: %w", hostname, err)
	}

	var exists int
	err = s.index.QueryRow(
		"SELECT 1 FROM snapshots WHERE id = ? AND site_id = ?", snapshotID, siteID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check snapshot %d: %w", snapshotID, err)
	}

	tx, err := s.index.Begin()
	if err != nil {
		return false, fmt.Errorf("begin rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE snapshots SET is_current = 0 WHERE site_id = ?", siteID); err != nil {
		return false, fmt.Errorf("demote current snapshot: %w", err)
	}
	if _, err := tx.Exec("UPDATE snapshots SET is_current = 1 WHERE id = ?", snapshotID); err != nil {
		return false, fmt.Errorf("promote snapshot %d: %w", snapshotID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rollback transaction: %w", err)
	}
	return true, nil
}

// PreviousSnapshot returns the snapshot immediately before the current one
// (the second row of ListSnapshots, which is ordered by id descending),
// for use by rollback. Returns (0, false, nil) if there is no such
// snapshot.
func (s *Store) PreviousSnapshot(hostname string) (int64, bool, error) {
	snaps, err := s.ListSnapshots(hostname)
	if err != nil {
		return 0, false, err
	}
	if len(snaps) < 2 {
		return 0, false, nil
	}
	return snaps[1].ID, true, nil
}

// PruneSnapshots keeps hostname's keep most recent snapshots by id and
// deletes the older ones, returning how many it deleted. It never deletes
// the current snapshot, even when that snapshot is older than the kept
// ones. This is never invoked automatically; retention is an operator
// decision.
func (s *Store) PruneSnapshots(hostname string, keep int) (int64, error) {
	snaps, err := s.ListSnapshots(hostname)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(snaps) <= keep {
		return 0, nil
	}

	var removed int64
	for _, snap := range snaps[keep:] {
		if snap.IsCurrent {
			continue
		}
		if _, err := s.index.Exec("DELETE FROM snapshots WHERE id = ?", snap.ID); err != nil {
			return removed, fmt.Errorf("prune snapshot %d: %w", snap.ID, err)
		}
		removed++
	}
	return removed, nil
}
