// Package graph contains the construction side of the knowledge graph: entity
// and relationship extraction from narrative chunks, and the merge engine
// that applies extractions to storage under concurrent writers.
package graph

import (
	"context"

	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/ai"
	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/logger"
	"github.com/obslens/tracegraph/pkg/narrative"
	"github.com/obslens/tracegraph/pkg/store"
)

// GraphClient runs the full per-record construction pipeline: narrative
// rendering, extraction, merge, then embedding. One GraphClient is shared by
// all ingestion lanes.
type GraphClient struct {
	extractor Extractor
	merge     *MergeEngine
	aiClient  ai.GraphAIClient
	storage   store.GraphStorage

	embedTries int
}

// NewGraphClientParams configures a GraphClient. AIClient may be nil, in
// which case chunks are marked not indexed instead of embedded.
type NewGraphClientParams struct {
	Extractor Extractor
	Merge     *MergeEngine
	AIClient  ai.GraphAIClient
	Storage   store.GraphStorage

	// EmbedTries bounds embedding attempts per chunk; below 1 defaults to 3.
	EmbedTries int
}

func NewGraphClient(params NewGraphClientParams) *GraphClient {
	embedTries := params.EmbedTries
	if embedTries < 1 {
		embedTries = 3
	}
	return &GraphClient{
		extractor:  params.Extractor,
		merge:      params.Merge,
		aiClient:   params.AIClient,
		storage:    params.Storage,
		embedTries: embedTries,
	}
}

// ProcessRecord runs one record through the pipeline. A nil return means the
// record's graph content is durably committed; the embedding step never
// fails the record, it only flags the chunk for backfill.
func (c *GraphClient) ProcessRecord(ctx context.Context, record common.LogRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	chunk := narrative.BuildChunk(record)

	extraction, err := c.extractor.Extract(ctx, record, chunk)
	if err != nil {
		return common.E(common.KindExtraction, "extraction failed for chunk "+chunk.PublicID, err)
	}

	result, err := c.merge.Apply(ctx, extraction)
	if err != nil {
		return err
	}

	c.indexChunk(ctx, chunk, result)
	return nil
}

// indexChunk embeds the chunk and attaches the vector. Replays of an already
// indexed chunk are skipped; failures mark the chunk for backfill.
func (c *GraphClient) indexChunk(ctx context.Context, chunk common.NarrativeChunk, result store.ApplyResult) {
	if c.aiClient == nil {
		if err := c.storage.MarkChunkNotIndexed(ctx, chunk.PublicID); err != nil {
			logger.Error("[Graph] Failed to mark chunk not indexed", "chunk_id", chunk.PublicID, "err", err)
		}
		return
	}
	if !result.FirstApplication {
		return
	}

	embedding, err := util.RetryWithContext(ctx, c.embedTries, func(ctx context.Context) ([]float32, error) {
		return c.aiClient.GenerateEmbedding(ctx, []byte(chunk.Text))
	})
	if err == nil {
		err = c.storage.AttachEmbedding(ctx, chunk.PublicID, embedding)
	}
	if err != nil {
		logger.Warn("[Graph] Embedding failed, chunk left unindexed", "chunk_id", chunk.PublicID, "err", err)
		if markErr := c.storage.MarkChunkNotIndexed(ctx, chunk.PublicID); markErr != nil {
			logger.Error("[Graph] Failed to mark chunk not indexed", "chunk_id", chunk.PublicID, "err", markErr)
		}
	}
}
