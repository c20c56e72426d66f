// Package memory provides an in-memory GraphStorage used by tests and local
// development. It mirrors the PostgreSQL implementation's merge semantics,
// including replay suppression, without requiring a database.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/store"
)

type chunkRow struct {
	chunk     common.NarrativeChunk
	embedding []float32
	indexed   bool
}

type nodeKey struct {
	nodeType common.NodeType
	key      string
}

type edgeKey struct {
	source   nodeKey
	edgeType common.EdgeType
	target   nodeKey
}

// GraphMemStorage is a mutex-guarded in-memory graph store.
type GraphMemStorage struct {
	mu     sync.Mutex
	nextID int64
	chunks map[string]*chunkRow
	nodes  map[nodeKey]*store.Node
	edges  map[edgeKey]*store.Edge
}

// NewGraphMemStorage creates an empty in-memory graph store.
func NewGraphMemStorage() *GraphMemStorage {
	return &GraphMemStorage{
		chunks: make(map[string]*chunkRow),
		nodes:  make(map[nodeKey]*store.Node),
		edges:  make(map[edgeKey]*store.Edge),
	}
}

// ApplyExtraction merges one record's extraction under a single lock,
// matching the transactional semantics of the database implementation.
func (s *GraphMemStorage) ApplyExtraction(ctx context.Context, extraction common.Extraction) (store.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return store.ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := extraction.Chunk
	_, replay := s.chunks[chunk.PublicID]
	if !replay {
		s.chunks[chunk.PublicID] = &chunkRow{chunk: chunk}
	}

	for _, n := range extraction.Nodes {
		if !n.Type.Valid() || n.Key == "" {
			continue
		}
		delta := n.ErrorCountDelta
		if replay {
			delta = 0
		}
		s.upsertNode(n.Type, n.Key, n.Attributes, delta, n.LastSeen)
	}

	for _, e := range extraction.Edges {
		if !e.Type.Valid() || e.SourceKey == "" || e.TargetKey == "" {
			continue
		}
		s.upsertNode(e.SourceType, e.SourceKey, nil, 0, e.LastSeen)
		s.upsertNode(e.TargetType, e.TargetKey, nil, 0, e.LastSeen)

		k := edgeKey{
			source:   nodeKey{e.SourceType, e.SourceKey},
			edgeType: e.Type,
			target:   nodeKey{e.TargetType, e.TargetKey},
		}
		edge, ok := s.edges[k]
		if !ok {
			s.nextID++
			edge = &store.Edge{
				ID:         s.nextID,
				SourceID:   s.nodes[k.source].ID,
				Type:       e.Type,
				TargetID:   s.nodes[k.target].ID,
				Attributes: map[string]string{},
				LastSeen:   e.LastSeen,
			}
			s.edges[k] = edge
		}
		for ak, av := range e.Attributes {
			edge.Attributes[ak] = av
		}
		if e.LastSeen.After(edge.LastSeen) {
			edge.LastSeen = e.LastSeen
		}
	}

	return store.ApplyResult{FirstApplication: !replay}, nil
}

func (s *GraphMemStorage) upsertNode(nodeType common.NodeType, key string, attrs map[string]string, delta int64, lastSeen time.Time) {
	k := nodeKey{nodeType, key}
	node, ok := s.nodes[k]
	if !ok {
		s.nextID++
		node = &store.Node{
			ID:          s.nextID,
			Type:        nodeType,
			IdentityKey: key,
			Attributes:  map[string]string{},
			FirstSeen:   lastSeen,
			LastSeen:    lastSeen,
		}
		s.nodes[k] = node
	}
	for ak, av := range attrs {
		node.Attributes[ak] = av
	}
	node.ErrorCount += delta
	if lastSeen.After(node.LastSeen) {
		node.LastSeen = lastSeen
	}
}

// AttachEmbedding stores the vector for a chunk and marks it indexed.
func (s *GraphMemStorage) AttachEmbedding(ctx context.Context, chunkPublicID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.chunks[chunkPublicID]
	if !ok {
		return fmt.Errorf("chunk %s not found", chunkPublicID)
	}
	row.embedding = embedding
	row.indexed = true
	return nil
}

// MarkChunkNotIndexed flags a chunk whose embedding failed.
func (s *GraphMemStorage) MarkChunkNotIndexed(ctx context.Context, chunkPublicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.chunks[chunkPublicID]; ok {
		row.indexed = false
	}
	return nil
}

// SearchChunks ranks indexed chunks by cosine similarity to the embedding.
func (s *GraphMemStorage) SearchChunks(ctx context.Context, embedding []float32, k int, dates common.DateRange) ([]store.RetrievedDoc, error) {
	if k <= 0 {
		k = 15
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]store.RetrievedDoc, 0)
	for _, row := range s.chunks {
		if !row.indexed || row.embedding == nil {
			continue
		}
		if !dates.Contains(row.chunk.Timestamp) {
			continue
		}
		docs = append(docs, store.RetrievedDoc{
			ChunkID:     row.chunk.PublicID,
			Text:        row.chunk.Text,
			TraceID:     row.chunk.TraceID,
			ServiceName: row.chunk.ServiceName,
			Level:       row.chunk.Level,
			Timestamp:   row.chunk.Timestamp,
			Score:       cosineSimilarity(embedding, row.embedding),
		})
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > k {
		docs = docs[:k]
	}

	for i := range docs {
		docs[i].PriorErrors = s.priorErrors(docs[i])
	}
	return docs, nil
}

func (s *GraphMemStorage) priorErrors(doc store.RetrievedDoc) []store.PriorError {
	priors := []store.PriorError{}
	for _, row := range s.chunks {
		c := row.chunk
		if c.TraceID != doc.TraceID || c.PublicID == doc.ChunkID {
			continue
		}
		if !c.Timestamp.Before(doc.Timestamp) {
			continue
		}
		switch c.Level {
		case "ERROR", "CRITICAL", "WARN":
			priors = append(priors, store.PriorError{
				ServiceName: c.ServiceName,
				Level:       c.Level,
				Message:     c.Message,
				Timestamp:   c.Timestamp,
			})
		}
	}
	sort.Slice(priors, func(i, j int) bool { return priors[i].Timestamp.Before(priors[j].Timestamp) })
	return priors
}

// NodeByKey fetches a node by its type and identity key. A missing node
// returns (nil, nil). The returned node is a copy.
func (s *GraphMemStorage) NodeByKey(ctx context.Context, nodeType common.NodeType, key string) (*store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeKey{nodeType, key}]
	if !ok {
		return nil, nil
	}
	cp := *node
	cp.Attributes = make(map[string]string, len(node.Attributes))
	for ak, av := range node.Attributes {
		cp.Attributes[ak] = av
	}
	return &cp, nil
}

// EdgeExists reports whether a (source, type, target) edge is present.
func (s *GraphMemStorage) EdgeExists(ctx context.Context, sourceType common.NodeType, sourceKey string, edgeType common.EdgeType, targetType common.NodeType, targetKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.edges[edgeKey{
		source:   nodeKey{sourceType, sourceKey},
		edgeType: edgeType,
		target:   nodeKey{targetType, targetKey},
	}]
	return ok, nil
}

// ChunkIndexed reports the index flag for a chunk, for tests.
func (s *GraphMemStorage) ChunkIndexed(chunkPublicID string) (indexed bool, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.chunks[chunkPublicID]
	if !ok {
		return false, false
	}
	return row.indexed, true
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
