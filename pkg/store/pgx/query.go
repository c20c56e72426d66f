package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/store"
)

const searchChunksSQL = `
SELECT public_id, text, trace_id, service_name, level, log_timestamp,
       1 - (embedding <=> $1) AS score
FROM narrative_chunks
WHERE vector_indexed AND embedding IS NOT NULL
  AND ($2::timestamptz IS NULL OR log_timestamp >= $2)
  AND ($3::timestamptz IS NULL OR log_timestamp <= $3)
ORDER BY embedding <=> $1
LIMIT $4`

const priorErrorsSQL = `
SELECT service_name, level, message, log_timestamp
FROM narrative_chunks
WHERE trace_id = $1
  AND log_timestamp < $2
  AND public_id <> $3
  AND upper(level) IN ('ERROR', 'CRITICAL', 'WARN')
ORDER BY log_timestamp
LIMIT 10`

// SearchChunks returns the k nearest indexed chunks to the embedding inside
// the date range. Each candidate is expanded with the high-severity logs that
// preceded it in the same trace, the root cause context the agent reasons
// over.
func (s *GraphDBStorage) SearchChunks(ctx context.Context, embedding []float32, k int, dates common.DateRange) ([]store.RetrievedDoc, error) {
	if k <= 0 {
		k = 15
	}

	rows, err := s.conn.Query(ctx, searchChunksSQL, pgvector.NewVector(embedding), dates.Start, dates.End, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	docs := make([]store.RetrievedDoc, 0, k)
	for rows.Next() {
		var doc store.RetrievedDoc
		if err := rows.Scan(&doc.ChunkID, &doc.Text, &doc.TraceID, &doc.ServiceName, &doc.Level, &doc.Timestamp, &doc.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk search failed: %w", err)
	}

	for i := range docs {
		priors, err := s.priorErrors(ctx, docs[i])
		if err != nil {
			return nil, err
		}
		docs[i].PriorErrors = priors
	}
	return docs, nil
}

func (s *GraphDBStorage) priorErrors(ctx context.Context, doc store.RetrievedDoc) ([]store.PriorError, error) {
	rows, err := s.conn.Query(ctx, priorErrorsSQL, doc.TraceID, doc.Timestamp, doc.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prior errors for trace %s: %w", doc.TraceID, err)
	}
	defer rows.Close()

	priors := []store.PriorError{}
	for rows.Next() {
		var p store.PriorError
		if err := rows.Scan(&p.ServiceName, &p.Level, &p.Message, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan prior error row: %w", err)
		}
		priors = append(priors, p)
	}
	return priors, rows.Err()
}

// NodeByKey fetches a node by its type and identity key. A missing node
// returns (nil, nil).
func (s *GraphDBStorage) NodeByKey(ctx context.Context, nodeType common.NodeType, key string) (*store.Node, error) {
	var (
		node  store.Node
		attrs []byte
	)
	err := s.conn.QueryRow(ctx,
		`SELECT id, node_type, identity_key, attributes, error_count, first_seen, last_seen
		 FROM graph_nodes WHERE node_type = $1 AND identity_key = $2`,
		nodeType, key,
	).Scan(&node.ID, &node.Type, &node.IdentityKey, &attrs, &node.ErrorCount, &node.FirstSeen, &node.LastSeen)
	if err != nil {
		if err == pgxv5.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch node %s/%s: %w", nodeType, key, err)
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &node.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes for node %s/%s: %w", nodeType, key, err)
		}
	}
	return &node, nil
}

// EdgeExists reports whether a (source, type, target) edge is present.
func (s *GraphDBStorage) EdgeExists(ctx context.Context, sourceType common.NodeType, sourceKey string, edgeType common.EdgeType, targetType common.NodeType, targetKey string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM graph_edges e
			JOIN graph_nodes s ON s.id = e.source_id
			JOIN graph_nodes t ON t.id = e.target_id
			WHERE s.node_type = $1 AND s.identity_key = $2
			  AND e.edge_type = $3
			  AND t.node_type = $4 AND t.identity_key = $5
		)`,
		sourceType, sourceKey, edgeType, targetType, targetKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check edge %s: %w", edgeType, err)
	}
	return exists, nil
}
