package pgx

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements the store.GraphStorage interface using PostgreSQL
// with pgvector for vector similarity search. All merge work runs inside a
// single transaction per record; concurrent writers are reconciled by the
// database through the upsert conflict targets.
type GraphDBStorage struct {
	conn pgxIConn
}

// NewGraphDBStorage creates a GraphDBStorage on an existing connection or
// pool. The connection must have pgvector types registered.
func NewGraphDBStorage(conn pgxIConn) *GraphDBStorage {
	return &GraphDBStorage{conn: conn}
}

// IsConflict reports whether err is a transient transaction conflict
// (serialization failure or deadlock) worth retrying.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

const upsertChunkSQL = `
INSERT INTO narrative_chunks (public_id, trace_id, service_name, level, message, log_timestamp, text)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (public_id) DO NOTHING`

const upsertNodeSQL = `
INSERT INTO graph_nodes (node_type, identity_key, attributes, error_count, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (node_type, identity_key) DO UPDATE SET
	attributes  = graph_nodes.attributes || EXCLUDED.attributes,
	error_count = graph_nodes.error_count + $4,
	last_seen   = GREATEST(graph_nodes.last_seen, EXCLUDED.last_seen)`

const upsertEdgeSQL = `
INSERT INTO graph_edges (source_id, edge_type, target_id, attributes, last_seen)
SELECT s.id, $1, t.id, $2, $3
FROM graph_nodes s, graph_nodes t
WHERE s.node_type = $4 AND s.identity_key = $5
  AND t.node_type = $6 AND t.identity_key = $7
ON CONFLICT (source_id, edge_type, target_id) DO UPDATE SET
	attributes = graph_edges.attributes || EXCLUDED.attributes,
	last_seen  = GREATEST(graph_edges.last_seen, EXCLUDED.last_seen)`

// ApplyExtraction merges one record's extraction into the graph atomically.
// The chunk row doubles as the replay detector: when its insert is a no-op
// the record has been applied before and counter deltas are suppressed, so
// replaying a record any number of times leaves the graph byte-identical to
// a single application.
func (s *GraphDBStorage) ApplyExtraction(ctx context.Context, extraction common.Extraction) (store.ApplyResult, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return store.ApplyResult{}, fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	chunk := extraction.Chunk
	tag, err := tx.Exec(ctx, upsertChunkSQL,
		chunk.PublicID, chunk.TraceID, chunk.ServiceName, chunk.Level,
		chunk.Message, chunk.Timestamp, chunk.Text,
	)
	if err != nil {
		return store.ApplyResult{}, fmt.Errorf("failed to upsert chunk %s: %w", chunk.PublicID, err)
	}
	first := tag.RowsAffected() == 1

	for _, n := range extraction.Nodes {
		if !n.Type.Valid() || n.Key == "" {
			continue
		}
		delta := n.ErrorCountDelta
		if !first {
			delta = 0
		}
		attrs := n.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		if _, err := tx.Exec(ctx, upsertNodeSQL, n.Type, n.Key, attrs, delta, n.LastSeen); err != nil {
			return store.ApplyResult{}, fmt.Errorf("failed to upsert node %s/%s: %w", n.Type, n.Key, err)
		}
	}

	for _, e := range extraction.Edges {
		if !e.Type.Valid() || e.SourceKey == "" || e.TargetKey == "" {
			continue
		}
		// Endpoints may be missing when the extractor emitted an edge without
		// its mentions; create them so the edge insert always finds both.
		for _, endpoint := range []struct {
			t common.NodeType
			k string
		}{{e.SourceType, e.SourceKey}, {e.TargetType, e.TargetKey}} {
			if _, err := tx.Exec(ctx, upsertNodeSQL, endpoint.t, endpoint.k, map[string]string{}, 0, e.LastSeen); err != nil {
				return store.ApplyResult{}, fmt.Errorf("failed to ensure edge endpoint %s/%s: %w", endpoint.t, endpoint.k, err)
			}
		}

		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		if _, err := tx.Exec(ctx, upsertEdgeSQL,
			e.Type, attrs, e.LastSeen,
			e.SourceType, e.SourceKey,
			e.TargetType, e.TargetKey,
		); err != nil {
			return store.ApplyResult{}, fmt.Errorf("failed to upsert edge %s: %w", e.Type, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.ApplyResult{}, fmt.Errorf("failed to commit merge transaction: %w", err)
	}
	return store.ApplyResult{FirstApplication: first}, nil
}

// AttachEmbedding stores the vector for a chunk and marks it indexed.
func (s *GraphDBStorage) AttachEmbedding(ctx context.Context, chunkPublicID string, embedding []float32) error {
	tag, err := s.conn.Exec(ctx,
		`UPDATE narrative_chunks SET embedding = $2, vector_indexed = true WHERE public_id = $1`,
		chunkPublicID, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to attach embedding for %s: %w", chunkPublicID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %s not found", chunkPublicID)
	}
	return nil
}

// MarkChunkNotIndexed flags a chunk whose embedding failed so a backfill can
// find it later.
func (s *GraphDBStorage) MarkChunkNotIndexed(ctx context.Context, chunkPublicID string) error {
	_, err := s.conn.Exec(ctx,
		`UPDATE narrative_chunks SET vector_indexed = false WHERE public_id = $1`,
		chunkPublicID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark chunk %s not indexed: %w", chunkPublicID, err)
	}
	return nil
}
