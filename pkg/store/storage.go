// Package store defines the persistence boundary of the knowledge graph.
// Implementations must make ApplyExtraction atomic and idempotent; everything
// above this interface assumes records can be replayed at any time.
package store

import (
	"context"
	"time"

	"github.com/obslens/tracegraph/pkg/common"
)

// Node is a stored graph node.
type Node struct {
	ID          int64
	Type        common.NodeType
	IdentityKey string
	Attributes  map[string]string
	ErrorCount  int64
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Edge is a stored directed relationship between two nodes.
type Edge struct {
	ID         int64
	SourceID   int64
	Type       common.EdgeType
	TargetID   int64
	Attributes map[string]string
	LastSeen   time.Time
}

// PriorError is an earlier high-severity log in the same trace as a retrieved
// chunk, surfaced as a root cause candidate.
type PriorError struct {
	ServiceName string    `json:"service_name"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// RetrievedDoc is one vector search candidate with its graph context.
type RetrievedDoc struct {
	ChunkID     string
	Text        string
	TraceID     string
	ServiceName string
	Level       string
	Timestamp   time.Time

	// Score is vector similarity in [0,1]; RerankScore and RerankReason are
	// filled by the rerank stage.
	Score        float64
	RerankScore  float64
	RerankReason string

	PriorErrors []PriorError
}

// ApplyResult reports what one ApplyExtraction call did.
type ApplyResult struct {
	// FirstApplication is false when the chunk was already present, meaning
	// the record is a replay and counter deltas were suppressed.
	FirstApplication bool
}

// GraphStorage is the persistence interface for the knowledge graph and its
// vector index.
type GraphStorage interface {
	// ApplyExtraction merges one record's extraction into the graph in a
	// single transaction: the chunk row, every node mention, then every edge
	// mention with endpoints guaranteed present. Safe to call concurrently
	// and repeatedly for the same record.
	ApplyExtraction(ctx context.Context, extraction common.Extraction) (ApplyResult, error)

	// AttachEmbedding stores the vector for a chunk and marks it indexed.
	AttachEmbedding(ctx context.Context, chunkPublicID string, embedding []float32) error

	// MarkChunkNotIndexed flags a chunk whose embedding failed so a later
	// backfill can find it. The graph content stays queryable.
	MarkChunkNotIndexed(ctx context.Context, chunkPublicID string) error

	// SearchChunks returns the k nearest indexed chunks to the embedding,
	// filtered to the date range, each with prior same-trace errors attached.
	SearchChunks(ctx context.Context, embedding []float32, k int, dates common.DateRange) ([]RetrievedDoc, error)

	// NodeByKey fetches a node by its type and identity key.
	NodeByKey(ctx context.Context, nodeType common.NodeType, key string) (*Node, error)

	// EdgeExists reports whether a (source, type, target) edge is present.
	EdgeExists(ctx context.Context, sourceType common.NodeType, sourceKey string, edgeType common.EdgeType, targetType common.NodeType, targetKey string) (bool, error)
}
