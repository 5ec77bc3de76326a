package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phuslu/log"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/lexqa/internal/logging"
	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	BatchSize  int
	// IndexLists is the ivfflat list count. 0 skips index creation.
	IndexLists int
}

// PGVectorStore keeps embedded chunks in a Postgres table with a pgvector column.
type PGVectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	logger *log.Logger
}

var _ types.VectorStore = (*PGVectorStore)(nil)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func (c *VectorStoreConfig) validate() error {
	if c.TableName == "" {
		c.TableName = "statute_chunks"
	}
	if !identifier.MatchString(c.TableName) {
		return fmt.Errorf("%w: table name %q must be a lower-case SQL identifier", types.ErrInvalidConfig, c.TableName)
	}
	if c.VectorDim == 0 {
		c.VectorDim = 768 // nomic-embed-text
	}
	if c.VectorDim < 0 || c.VectorDim > 16000 {
		return fmt.Errorf("%w: vector dimension %d out of range", types.ErrInvalidConfig, c.VectorDim)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.IndexLists < 0 {
		c.IndexLists = 0
	}
	return nil
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig, logger *log.Logger) (*PGVectorStore, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %v", types.ErrStoreUnavailable, err)
	}

	vs := &PGVectorStore{
		config: config,
		pool:   pool,
		logger: logging.OrNop(logger),
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *PGVectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return unavailable("failed to create vector extension", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return unavailable("failed to create table", err)
	}

	// An existing table may have been created for another embedding model.
	var existing int
	err := vs.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		vs.config.TableName).Scan(&existing)
	if err != nil {
		return unavailable("failed to inspect table", err)
	}
	if existing > 0 && existing != vs.config.VectorDim {
		return fmt.Errorf("%w: table %s stores %d-dimensional vectors, configured %d",
			types.ErrDimensionMismatch, vs.config.TableName, existing, vs.config.VectorDim)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_source_idx ON %[1]s ((metadata->>'source'))`, vs.config.TableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_metadata_idx ON %[1]s USING gin (metadata)`, vs.config.TableName),
	}
	if vs.config.IndexLists > 0 {
		indexes = append(indexes, fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx
			ON %[1]s
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = %[2]d)`,
			vs.config.TableName, vs.config.IndexLists))
	}
	for _, stmt := range indexes {
		if _, err := vs.pool.Exec(ctx, stmt); err != nil {
			return unavailable("failed to create index", err)
		}
	}

	vs.logger.Debug().Str("table", vs.config.TableName).Int("dimension", vs.config.VectorDim).Msg("vector store ready")
	return nil
}

// Dimension returns the vector length every row must have.
func (vs *PGVectorStore) Dimension() int {
	return vs.config.VectorDim
}

// Upsert inserts records in one transaction and returns how many rows were written.
// Ids are assigned by the database. Re-running it for the same source appends
// duplicates; use ReplaceSource for re-ingestion.
func (vs *PGVectorStore) Upsert(ctx context.Context, records []models.EmbeddedChunk) (int, error) {
	return vs.write(ctx, "", records)
}

// ReplaceSource deletes every row whose metadata.source equals source and inserts
// records, atomically.
func (vs *PGVectorStore) ReplaceSource(ctx context.Context, source string, records []models.EmbeddedChunk) (int, error) {
	if source == "" {
		return 0, fmt.Errorf("%w: source must not be empty", types.ErrInvalidRequest)
	}
	return vs.write(ctx, source, records)
}

func (vs *PGVectorStore) write(ctx context.Context, replace string, records []models.EmbeddedChunk) (int, error) {
	if err := checkDimensions(records, vs.config.VectorDim); err != nil {
		return 0, err
	}

	// Begin transaction
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if replace != "" {
		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE metadata->>'source' = $1`, vs.config.TableName), replace)
		if err != nil {
			return 0, unavailable("failed to delete previous rows", err)
		}
		vs.logger.Info().Str("source", replace).Int64("deleted", tag.RowsAffected()).Msg("replacing source")
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (content, metadata, embedding) VALUES ($1, $2, $3)`, vs.config.TableName)

	inserted := 0
	for start := 0; start < len(records); start += vs.config.BatchSize {
		end := min(start+vs.config.BatchSize, len(records))

		batch := &pgx.Batch{}
		for _, rec := range records[start:end] {
			meta := rec.Metadata
			if meta == nil {
				meta = models.Metadata{}
			}
			batch.Queue(stmt, rec.Content, meta, pgvector.NewVector(rec.Embedding))
		}

		results := tx.SendBatch(ctx, batch)
		for range records[start:end] {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return 0, unavailable("failed to insert chunk", err)
			}
			inserted++
		}
		if err := results.Close(); err != nil {
			return 0, unavailable("failed to insert chunks", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("failed to commit transaction", err)
	}

	return inserted, nil
}

// Search returns at most k rows matching filter, most similar first, ties by id.
func (vs *PGVectorStore) Search(ctx context.Context, query []float32, k int, filter map[string]interface{}) ([]models.ScoredRecord, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be at least 1, got %d", types.ErrInvalidRequest, k)
	}
	if len(query) != vs.config.VectorDim {
		return nil, fmt.Errorf("%w: query has %d values, store expects %d", types.ErrDimensionMismatch, len(query), vs.config.VectorDim)
	}

	args := []any{pgvector.NewVector(query)}
	where, args, err := filterClause(filter, args)
	if err != nil {
		return nil, err
	}
	args = append(args, k)

	// Ties break by ascending id.
	sql := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		%s
		ORDER BY embedding <=> $1, id
		LIMIT $%d`,
		vs.config.TableName, where, len(args))

	rows, err := vs.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable("failed to query chunks", err)
	}
	defer rows.Close()

	var out []models.ScoredRecord
	for rows.Next() {
		var rec models.ScoredRecord
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Metadata, &rec.Similarity); err != nil {
			return nil, unavailable("failed to scan row", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("failed to read rows", err)
	}

	return out, nil
}

// Count returns the number of rows matching filter.
func (vs *PGVectorStore) Count(ctx context.Context, filter map[string]interface{}) (int, error) {
	where, args, err := filterClause(filter, nil)
	if err != nil {
		return 0, err
	}

	var n int
	err = vs.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s %s`, vs.config.TableName, where), args...).Scan(&n)
	if err != nil {
		return 0, unavailable("failed to count chunks", err)
	}
	return n, nil
}

// DeleteBySource removes every row of source and returns how many were deleted.
func (vs *PGVectorStore) DeleteBySource(ctx context.Context, source string) (int, error) {
	tag, err := vs.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE metadata->>'source' = $1`, vs.config.TableName), source)
	if err != nil {
		return 0, unavailable("failed to delete chunks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (vs *PGVectorStore) Ping(ctx context.Context) error {
	if err := vs.pool.Ping(ctx); err != nil {
		return unavailable("ping failed", err)
	}
	return nil
}

func (vs *PGVectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// filterClause renders filter as exact per-key jsonb equality, one parameter pair
// per key, appended after args. Keys are sorted so the SQL is stable.
func filterClause(filter map[string]interface{}, args []any) (string, []any, error) {
	if len(filter) == 0 {
		return "", args, nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		value, err := json.Marshal(filter[k])
		if err != nil {
			return "", nil, fmt.Errorf("%w: filter value for %q: %v", types.ErrInvalidRequest, k, err)
		}
		args = append(args, k, string(value))
		conds = append(conds, fmt.Sprintf("metadata->($%d::text) = $%d::jsonb", len(args)-1, len(args)))
	}
	return "WHERE " + strings.Join(conds, " AND "), args, nil
}

func checkDimensions(records []models.EmbeddedChunk, dim int) error {
	for i, rec := range records {
		if len(rec.Embedding) != dim {
			return fmt.Errorf("%w: record %d has %d values, store expects %d",
				types.ErrDimensionMismatch, i, len(rec.Embedding), dim)
		}
	}
	return nil
}

func unavailable(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22000" && strings.Contains(pgErr.Message, "dimensions") {
		return fmt.Errorf("%w: %s: %v", types.ErrDimensionMismatch, msg, err)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrStoreUnavailable, msg, err)
}
