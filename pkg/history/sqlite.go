package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/threatrefine/pkg/compress"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/embedding"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

// SQLiteConfig configures the SQLite history index.
type SQLiteConfig struct {
	// DatabasePath is the SQLite file; parent directories are created.
	DatabasePath string

	// Embedder embeds queries and stored threats. Required.
	Embedder core.Embedder

	Logger core.Logger

	// Now stamps indexed rows. Default: time.Now
	Now func() time.Time
}

// SQLiteIndex keeps prior threats with zstd-compressed embeddings in
// SQLite and ranks them by cosine similarity in process.
type SQLiteIndex struct {
	db     *sql.DB
	mu     sync.RWMutex
	cfg    SQLiteConfig
	logger core.Logger
}

// NewSQLiteIndex opens (or creates) the index database.
func NewSQLiteIndex(cfg SQLiteConfig) (*SQLiteIndex, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("history: embedder is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteIndex{db: db, cfg: cfg, logger: core.OrNop(cfg.Logger)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threats (
		id TEXT PRIMARY KEY,
		component_ref TEXT NOT NULL,
		component_name TEXT,
		stride_category TEXT NOT NULL,
		description TEXT NOT NULL,
		risk_score TEXT,
		embedder TEXT NOT NULL,
		dims INTEGER NOT NULL,
		vector BLOB NOT NULL,
		indexed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threats_category ON threats(stride_category, embedder);
	CREATE INDEX IF NOT EXISTS idx_threats_indexed_at ON threats(indexed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Index embeds and upserts the threats.
func (s *SQLiteIndex) Index(ctx context.Context, threats []model.EnrichedThreat) error {
	if len(threats) == 0 {
		return nil
	}

	texts := make([]string, len(threats))
	for i, t := range threats {
		texts[i] = DocumentText(t)
	}
	vectors, err := s.cfg.Embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed threats: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO threats (
			id, component_ref, component_name, stride_category, description,
			risk_score, embedder, dims, vector, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			component_name = excluded.component_name,
			risk_score = excluded.risk_score,
			embedder = excluded.embedder,
			dims = excluded.dims,
			vector = excluded.vector,
			indexed_at = excluded.indexed_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.cfg.Now().UTC()
	for i, t := range threats {
		blob, err := compress.EncodeVector(vectors[i])
		if err != nil {
			return fmt.Errorf("encode vector: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			RecordID(t), t.ComponentRef, t.ComponentName, string(t.StrideCategory), t.Description,
			string(t.RiskScore), s.cfg.Embedder.Name(), len(vectors[i]), blob, now,
		); err != nil {
			return fmt.Errorf("insert threat %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("[history] indexed %d threats", len(threats))
	return nil
}

// Retrieve returns the k stored threats of the category most similar to
// the pair, across all components.
func (s *SQLiteIndex) Retrieve(ctx context.Context, component model.DFDComponent, category model.StrideCategory, k int) ([]core.PriorThreat, error) {
	if k <= 0 {
		k = DefaultK
	}

	query, err := s.cfg.Embedder.Embed(ctx, []string{QueryText(component, category)})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qv := query[0]

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, component_ref, component_name, description, risk_score, vector
		FROM threats
		WHERE stride_category = ? AND embedder = ? AND dims = ?
	`, string(category), s.cfg.Embedder.Name(), len(qv))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []core.PriorThreat
	for rows.Next() {
		var (
			p    core.PriorThreat
			name sql.NullString
			risk sql.NullString
			blob []byte
		)
		if err := rows.Scan(&p.ID, &p.ComponentRef, &name, &p.Description, &risk, &blob); err != nil {
			return nil, err
		}
		vec, err := compress.DecodeVector(blob)
		if err != nil {
			s.logger.Warn("[history] skipping %s: %v", p.ID, err)
			continue
		}
		p.ComponentName = name.String
		p.RiskScore = severity.Level(risk.String)
		p.StrideCategory = category
		p.Similarity = embedding.Cosine(qv, vec)
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rank(results, k), nil
}

// Count returns the number of stored threats.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threats`).Scan(&n)
	return n, err
}

// Cleanup removes threats indexed more than maxAge ago.
func (s *SQLiteIndex) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cfg.Now().UTC().Add(-maxAge)
	result, err := s.db.ExecContext(ctx, `DELETE FROM threats WHERE indexed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

var _ core.HistoryIndex = (*SQLiteIndex)(nil)
