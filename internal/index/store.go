package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/notectx/notectx-mcp/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrShardActive is returned when pruning the active shard
	ErrShardActive = errors.New("cannot prune the active shard")
)

// Edge is one directed link between two indexed notes.
type Edge struct {
	Source string
	Target string
}

// ShardInfo describes one vector shard.
type ShardInfo struct {
	ModelID       string
	Dimension     int
	Active        bool
	Records       int
	LastRebuildAt time.Time
}

// Stats summarises index contents for status reporting.
type Stats struct {
	Notes      int
	Links      int
	Embeddings int     // Records in the active shard
	SizeMB     float64 // Database size on disk
}

// Store persists notes, keyword postings, links, and vector shards in one
// SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite benefits from a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Open opens (or creates) the index database at dbPath. A database that
// exists but cannot be opened, migrated, or verified is reported as
// types.ErrIndexCorruption: the index is a derived cache, so the caller
// recovers by resetting and rebuilding from source documents.
func Open(dbPath string) (*Store, error) {
	existed := false
	if _, err := os.Stat(dbPath); err == nil {
		existed = true
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		if existed {
			return nil, fmt.Errorf("%w: %v", types.ErrIndexCorruption, err)
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		if existed {
			return nil, fmt.Errorf("%w: %v", types.ErrIndexCorruption, err)
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &Store{db: db, path: dbPath}

	if existed {
		if err := s.VerifyIntegrity(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Reset deletes the database files at dbPath (including WAL sidecars) so a
// fresh Open starts from an empty index.
func Reset(dbPath string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reset index: %w", err)
		}
	}
	return nil
}

// VerifyIntegrity runs SQLite's quick check and maps failure onto
// types.ErrIndexCorruption.
func (s *Store) VerifyIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIndexCorruption, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", types.ErrIndexCorruption, result)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Note operations

// UpsertNote writes a note's metadata, tags, and outgoing links in one
// transaction. The FTS triggers keep keyword postings in sync.
func (s *Store) UpsertNote(ctx context.Context, note *types.Note) error {
	if err := note.Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(q querier) error {
		query := `
			INSERT INTO notes (path, title, body, fingerprint, token_count, mod_time, size_bytes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				title = excluded.title,
				body = excluded.body,
				fingerprint = excluded.fingerprint,
				token_count = excluded.token_count,
				mod_time = excluded.mod_time,
				size_bytes = excluded.size_bytes,
				updated_at = excluded.updated_at
		`
		now := time.Now()
		if _, err := q.ExecContext(ctx, query,
			note.Path, note.Title, note.Content, note.Fingerprint[:],
			note.TokenCount, note.ModTime, note.SizeBytes, now, now); err != nil {
			return fmt.Errorf("failed to upsert note: %w", err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM tags WHERE path = ?`, note.Path); err != nil {
			return err
		}
		for _, tag := range note.Tags {
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO tags (path, tag) VALUES (?, ?)`, note.Path, tag); err != nil {
				return err
			}
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM links WHERE source = ?`, note.Path); err != nil {
			return err
		}
		for _, target := range note.Links {
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO links (source, target) VALUES (?, ?)`, note.Path, target); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetNote returns the stored note for path, without its tags or links.
func (s *Store) GetNote(ctx context.Context, path string) (*types.Note, error) {
	query := `
		SELECT path, title, body, fingerprint, token_count, mod_time, size_bytes
		FROM notes
		WHERE path = ?
	`
	var note types.Note
	var fingerprint []byte
	var modTime sql.NullTime
	err := s.db.QueryRowContext(ctx, query, path).Scan(
		&note.Path, &note.Title, &note.Content, &fingerprint,
		&note.TokenCount, &modTime, &note.SizeBytes,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(note.Fingerprint[:], fingerprint)
	if modTime.Valid {
		note.ModTime = modTime.Time
	}
	return &note, nil
}

// GetFingerprint returns the current content fingerprint for path.
func (s *Store) GetFingerprint(ctx context.Context, path string) ([32]byte, error) {
	var fp [32]byte
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM notes WHERE path = ?`, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return fp, ErrNotFound
	}
	if err != nil {
		return fp, err
	}
	copy(fp[:], raw)
	return fp, nil
}

// FindByFingerprint returns the paths of notes whose content matches the
// fingerprint. Used to re-correlate renames.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint [32]byte) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM notes WHERE fingerprint = ? ORDER BY path`, fingerprint[:])
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteNote removes a note; tags, links, and embeddings cascade.
func (s *Store) DeleteNote(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE path = ?`, path)
	return err
}

// RenameNote moves a note to a new path. Embeddings, tags, and outgoing
// links follow via cascade; inbound links are rewritten explicitly so other
// notes keep pointing at the renamed note.
func (s *Store) RenameNote(ctx context.Context, oldPath, newPath string) error {
	return s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `UPDATE notes SET path = ?, updated_at = ? WHERE path = ?`, newPath, time.Now(), oldPath)
		if err != nil {
			return fmt.Errorf("failed to rename note: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		_, err = q.ExecContext(ctx, `UPDATE OR IGNORE links SET target = ? WHERE target = ?`, newPath, oldPath)
		return err
	})
}

// ListNotePaths returns all indexed note paths in lexical order.
func (s *Store) ListNotePaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM notes ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	paths := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// GetTags returns the tags recorded for a note.
func (s *Store) GetTags(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM tags WHERE path = ? ORDER BY tag`, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ListEdges returns every link whose source and target both resolve to an
// indexed note. Dangling links are excluded; the graph only spans real
// documents.
func (s *Store) ListEdges(ctx context.Context) ([]Edge, error) {
	query := `
		SELECT l.source, l.target
		FROM links l
		JOIN notes n ON l.target = n.path
		ORDER BY l.source, l.target
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	edges := make([]Edge, 0)
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Source, &e.Target); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Shard operations

// EnsureShard creates the shard for modelID on first use. An existing shard
// with a different dimensionality is a mismatch, never silently widened.
func (s *Store) EnsureShard(ctx context.Context, modelID string, dimension int) error {
	return s.ensureShardWithQuerier(ctx, s.db, modelID, dimension)
}

func (s *Store) ensureShardWithQuerier(ctx context.Context, q querier, modelID string, dimension int) error {
	var existing int
	err := q.QueryRowContext(ctx, `SELECT dimension FROM shards WHERE model_id = ?`, modelID).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err = q.ExecContext(ctx, `INSERT INTO shards (model_id, dimension) VALUES (?, ?)`, modelID, dimension)
		return err
	}
	if err != nil {
		return err
	}
	if existing != dimension {
		return fmt.Errorf("%w: shard %s has dimension %d, want %d",
			types.ErrShardMismatch, modelID, existing, dimension)
	}
	return nil
}

// SetActiveShard makes modelID the single active shard, creating it if
// needed. The previously active shard is retained for rollback.
func (s *Store) SetActiveShard(ctx context.Context, modelID string, dimension int) error {
	return s.withTx(ctx, func(q querier) error {
		if err := s.ensureShardWithQuerier(ctx, q, modelID, dimension); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `UPDATE shards SET active = 0 WHERE active = 1`); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `UPDATE shards SET active = 1 WHERE model_id = ?`, modelID)
		return err
	})
}

// ActiveShard returns the currently active shard.
func (s *Store) ActiveShard(ctx context.Context) (*ShardInfo, error) {
	return s.shardRow(ctx, `SELECT model_id, dimension, active, last_rebuild_at FROM shards WHERE active = 1`)
}

// GetShard returns the shard for modelID.
func (s *Store) GetShard(ctx context.Context, modelID string) (*ShardInfo, error) {
	return s.shardRow(ctx, `SELECT model_id, dimension, active, last_rebuild_at FROM shards WHERE model_id = ?`, modelID)
}

func (s *Store) shardRow(ctx context.Context, query string, args ...interface{}) (*ShardInfo, error) {
	var info ShardInfo
	var active int
	var lastRebuild sql.NullTime
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&info.ModelID, &info.Dimension, &active, &lastRebuild)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info.Active = active == 1
	if lastRebuild.Valid {
		info.LastRebuildAt = lastRebuild.Time
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE model_id = ?`, info.ModelID).Scan(&info.Records)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListShards returns all shards, active first.
func (s *Store) ListShards(ctx context.Context) ([]ShardInfo, error) {
	query := `
		SELECT s.model_id, s.dimension, s.active, s.last_rebuild_at, COUNT(e.path)
		FROM shards s
		LEFT JOIN embeddings e ON e.model_id = s.model_id
		GROUP BY s.model_id
		ORDER BY s.active DESC, s.model_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	shards := make([]ShardInfo, 0)
	for rows.Next() {
		var info ShardInfo
		var active int
		var lastRebuild sql.NullTime
		if err := rows.Scan(&info.ModelID, &info.Dimension, &active, &lastRebuild, &info.Records); err != nil {
			return nil, err
		}
		info.Active = active == 1
		if lastRebuild.Valid {
			info.LastRebuildAt = lastRebuild.Time
		}
		shards = append(shards, info)
	}
	return shards, rows.Err()
}

// ResetShard drops every embedding stored under modelID and re-declares the
// shard's dimensionality. Recovery path for a persisted shard that disagrees
// with the model catalog; the caller re-embeds from the vault afterwards.
func (s *Store) ResetShard(ctx context.Context, modelID string, dimension int) error {
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM embeddings WHERE model_id = ?`, modelID); err != nil {
			return err
		}
		res, err := q.ExecContext(ctx,
			`UPDATE shards SET dimension = ?, last_rebuild_at = NULL WHERE model_id = ?`,
			dimension, modelID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			_, err = q.ExecContext(ctx, `INSERT INTO shards (model_id, dimension) VALUES (?, ?)`, modelID, dimension)
		}
		return err
	})
}

// PruneShard deletes an inactive shard and its embeddings.
func (s *Store) PruneShard(ctx context.Context, modelID string) error {
	return s.withTx(ctx, func(q querier) error {
		var active int
		err := q.QueryRowContext(ctx, `SELECT active FROM shards WHERE model_id = ?`, modelID).Scan(&active)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if active == 1 {
			return fmt.Errorf("%w: %s", ErrShardActive, modelID)
		}

		_, err = q.ExecContext(ctx, `DELETE FROM shards WHERE model_id = ?`, modelID)
		return err
	})
}

// MarkShardRebuilt records a completed full rebuild for the shard.
func (s *Store) MarkShardRebuilt(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE shards SET last_rebuild_at = ? WHERE model_id = ?`, time.Now(), modelID)
	return err
}

// Embedding operations

// UpsertEmbedding writes an embedding record into its model's shard. The
// shard is created on first use. Returns false without writing when the
// record is redundant or stale:
//   - the note no longer exists (deleted while the embedding was in flight)
//   - the note's current fingerprint differs from the record's (a newer
//     version has been applied; older results must not overwrite it)
//   - an identical (path, model, fingerprint) record is already stored
func (s *Store) UpsertEmbedding(ctx context.Context, rec *types.EmbeddingRecord) (bool, error) {
	if rec.Dimension != len(rec.Vector) {
		return false, fmt.Errorf("%w: record declares dimension %d but vector has %d components",
			types.ErrShardMismatch, rec.Dimension, len(rec.Vector))
	}

	applied := false
	err := s.withTx(ctx, func(q querier) error {
		var current []byte
		err := q.QueryRowContext(ctx, `SELECT fingerprint FROM notes WHERE path = ?`, rec.Path).Scan(&current)
		if err == sql.ErrNoRows {
			return nil // Note deleted; discard.
		}
		if err != nil {
			return err
		}
		var currentFP [32]byte
		copy(currentFP[:], current)
		if rec.Stale(currentFP) {
			return nil // Superseded by newer content; discard.
		}

		if err := s.ensureShardWithQuerier(ctx, q, rec.ModelID, rec.Dimension); err != nil {
			return err
		}

		var existingFP []byte
		err = q.QueryRowContext(ctx,
			`SELECT fingerprint FROM embeddings WHERE path = ? AND model_id = ?`,
			rec.Path, rec.ModelID).Scan(&existingFP)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && string(existingFP) == string(rec.Fingerprint[:]) {
			return nil // Idempotent re-upsert; no-op.
		}

		query := `
			INSERT INTO embeddings (path, model_id, vector, dimension, fingerprint, token_count, truncated, artifact, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path, model_id) DO UPDATE SET
				vector = excluded.vector,
				dimension = excluded.dimension,
				fingerprint = excluded.fingerprint,
				token_count = excluded.token_count,
				truncated = excluded.truncated,
				artifact = excluded.artifact,
				created_at = excluded.created_at
		`
		_, err = q.ExecContext(ctx, query,
			rec.Path, rec.ModelID, serializeVector(rec.Vector), rec.Dimension,
			rec.Fingerprint[:], rec.TokenCount, rec.Truncated, rec.Artifact, time.Now())
		if err != nil {
			return fmt.Errorf("failed to upsert embedding: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// GetEmbedding returns the stored embedding for one note under one model.
func (s *Store) GetEmbedding(ctx context.Context, path, modelID string) (*types.EmbeddingRecord, error) {
	query := `
		SELECT path, model_id, vector, dimension, fingerprint, token_count, truncated, artifact, created_at
		FROM embeddings
		WHERE path = ? AND model_id = ?
	`
	var rec types.EmbeddingRecord
	var blob, fingerprint []byte
	var artifact sql.NullString
	err := s.db.QueryRowContext(ctx, query, path, modelID).Scan(
		&rec.Path, &rec.ModelID, &blob, &rec.Dimension, &fingerprint,
		&rec.TokenCount, &rec.Truncated, &artifact, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Vector = deserializeVector(blob)
	copy(rec.Fingerprint[:], fingerprint)
	if artifact.Valid {
		rec.Artifact = artifact.String
	}
	return &rec, nil
}

// StalePaths returns the paths whose notes have no embedding under modelID
// or whose stored embedding no longer matches the note fingerprint. These
// are the notes a rebuild or incremental pass must re-embed.
func (s *Store) StalePaths(ctx context.Context, modelID string) ([]string, error) {
	query := `
		SELECT n.path
		FROM notes n
		LEFT JOIN embeddings e ON e.path = n.path AND e.model_id = ?
		WHERE e.path IS NULL OR e.fingerprint != n.fingerprint
		ORDER BY n.path
	`
	rows, err := s.db.QueryContext(ctx, query, modelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	paths := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Stats returns index-wide counts for status reporting.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&st.Notes); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links`).Scan(&st.Links); err != nil {
		return nil, err
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings e
		JOIN shards s ON e.model_id = s.model_id
		WHERE s.active = 1
	`).Scan(&st.Embeddings)
	if err != nil {
		return nil, err
	}

	var pageCount, pageSize int
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		st.SizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return &st, nil
}

// isCorruptionError reports whether a driver error indicates an unreadable
// database file.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "corrupt")
}
