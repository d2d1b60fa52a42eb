package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/store"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements the store.PrecedentStore interface using SQLite.
// Writes are serialized through a mutex (single-writer discipline); reads
// run concurrently against the connection pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite store at the given path.
// Use ":memory:" for in-memory database (useful for testing).
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}

	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return s, nil
}

// createSchema creates all tables and indexes if they don't exist.
func (s *Store) createSchema() error {
	schema := `
	-- Append-only precedent records. Rows are never updated or deleted
	-- except for the deprecated flag.
	CREATE TABLE IF NOT EXISTS precedents (
		id TEXT PRIMARY KEY,
		case_fingerprint TEXT NOT NULL,
		embedding BLOB,
		overall_verdict TEXT NOT NULL CHECK(overall_verdict IN ('ALLOW', 'DENY', 'REVIEW')),
		dissent_index REAL NOT NULL,
		reason TEXT,
		migration_status TEXT NOT NULL CHECK(migration_status IN ('NATIVE', 'PARTIAL')),
		deprecated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_precedents_fingerprint ON precedents(case_fingerprint);
	CREATE INDEX IF NOT EXISTS idx_precedents_created ON precedents(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Insert appends a new precedent record.
func (s *Store) Insert(ctx context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO precedents (id, case_fingerprint, embedding, overall_verdict, dissent_index, reason, migration_status, deprecated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`

	var blob []byte
	if len(rec.Embedding) > 0 {
		blob = encodeEmbedding(rec.Embedding)
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.CaseFingerprint,
		blob,
		string(rec.OverallVerdict),
		rec.DissentIndex,
		rec.Reason,
		string(rec.MigrationStatus),
		rec.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert precedent: %w", err)
	}

	return nil
}

// Deprecate marks a record as excluded from future similarity search.
func (s *Store) Deprecate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `UPDATE precedents SET deprecated = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deprecate precedent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("precedent not found: %s", id)
	}

	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	query := `
		SELECT id, case_fingerprint, embedding, overall_verdict, dissent_index, reason, migration_status, deprecated, created_at
		FROM precedents
		WHERE id = ?
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return store.Record{}, fmt.Errorf("precedent not found: %s", id)
		}
		return store.Record{}, fmt.Errorf("failed to get precedent: %w", err)
	}

	return rec, nil
}

// List returns the most recent records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]store.Record, error) {
	query := `
		SELECT id, case_fingerprint, embedding, overall_verdict, dissent_index, reason, migration_status, deprecated, created_at
		FROM precedents
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list precedents: %w", err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan precedent: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating precedents: %w", err)
	}

	return records, nil
}

// FindSimilar returns up to topK non-deprecated matches, best first. Exact
// fingerprint matches score 1.0 and always rank first; when an embedding is
// supplied, the rest of the corpus is scanned by cosine similarity.
func (s *Store) FindSimilar(ctx context.Context, c domain.Case, embedding []float32, topK int) ([]store.Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, case_fingerprint, embedding, overall_verdict, dissent_index, reason, migration_status, deprecated, created_at
		FROM precedents
		WHERE deprecated = 0
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query precedents: %w", err)
	}
	defer rows.Close()

	var exact []store.Match
	var approx []store.Match
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan precedent: %w", err)
		}

		if rec.CaseFingerprint == c.Fingerprint {
			exact = append(exact, store.Match{Record: rec, Similarity: 1.0})
			continue
		}

		if len(embedding) == 0 || len(rec.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, rec.Embedding)
		approx = append(approx, store.Match{Record: rec, Similarity: sim})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating precedents: %w", err)
	}

	// Newest exact match first, then approximate matches by similarity.
	sort.SliceStable(exact, func(i, j int) bool {
		return exact[i].Record.CreatedAt.After(exact[j].Record.CreatedAt)
	})
	sort.SliceStable(approx, func(i, j int) bool {
		return approx[i].Similarity > approx[j].Similarity
	})

	matches := append(exact, approx...)
	if len(matches) > topK {
		matches = matches[:topK]
	}

	return matches, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.Record, error) {
	var rec store.Record
	var blob []byte
	var verdict, status string
	var deprecated int
	var createdAt int64

	if err := row.Scan(
		&rec.ID,
		&rec.CaseFingerprint,
		&blob,
		&verdict,
		&rec.DissentIndex,
		&rec.Reason,
		&status,
		&deprecated,
		&createdAt,
	); err != nil {
		return store.Record{}, err
	}

	if len(blob) > 0 {
		rec.Embedding = decodeEmbedding(blob)
	}
	rec.OverallVerdict = domain.Verdict(verdict)
	rec.MigrationStatus = domain.MigrationStatus(status)
	rec.Deprecated = deprecated == 1
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()

	return rec, nil
}

// encodeEmbedding packs a float32 vector into a little-endian blob.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineSimilarity returns the cosine of the angle between a and b, in
// [-1,1]. Mismatched lengths or zero vectors yield 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
