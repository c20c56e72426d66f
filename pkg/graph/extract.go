package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/obslens/tracegraph/pkg/ai"
	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/logger"
)

// Extractor turns a log record and its narrative chunk into graph mentions.
type Extractor interface {
	Extract(ctx context.Context, record common.LogRecord, chunk common.NarrativeChunk) (common.Extraction, error)
}

// HeuristicExtractor is the deterministic Extractor used when no model is
// configured. It wraps HeuristicExtraction.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(ctx context.Context, record common.LogRecord, chunk common.NarrativeChunk) (common.Extraction, error) {
	return HeuristicExtraction(record, chunk), nil
}

type extractedEntity struct {
	Name string `json:"name" jsonschema_description:"Exact identifier of the entity as it appears in the narrative"`
	Type string `json:"type" jsonschema:"enum=Service,enum=Trace,enum=Pod,enum=LogEntry,enum=Database" jsonschema_description:"Entity type"`
}

type extractedRelation struct {
	SourceName string `json:"source_name" jsonschema_description:"Name of the source entity"`
	SourceType string `json:"source_type" jsonschema:"enum=Service,enum=Trace,enum=Pod,enum=LogEntry,enum=Database"`
	Type       string `json:"type" jsonschema:"enum=PART_OF_TRACE,enum=EMITTED_BY,enum=RUNNING_ON,enum=EXECUTED_QUERY" jsonschema_description:"Relationship type"`
	TargetName string `json:"target_name" jsonschema_description:"Name of the target entity"`
	TargetType string `json:"target_type" jsonschema:"enum=Service,enum=Trace,enum=Pod,enum=LogEntry,enum=Database"`
}

type extractResponse struct {
	Entities  []extractedEntity   `json:"entities" jsonschema_description:"All graph entities mentioned in the narrative"`
	Relations []extractedRelation `json:"relations" jsonschema_description:"All relationships between the extracted entities"`
}

// LLMExtractor enriches the deterministic baseline with model-extracted
// mentions. The heuristic extraction is always the floor: a failing or
// hallucinating model can add nothing worse than no enrichment.
type LLMExtractor struct {
	client  ai.GraphAIClient
	model   string
	timeout time.Duration
}

// NewLLMExtractorParams configures an LLMExtractor. Model may be empty to use
// the client's default extraction model. Timeout below 1s defaults to 30s.
type NewLLMExtractorParams struct {
	Client  ai.GraphAIClient
	Model   string
	Timeout time.Duration
}

func NewLLMExtractor(params NewLLMExtractorParams) *LLMExtractor {
	timeout := params.Timeout
	if timeout < time.Second {
		timeout = 30 * time.Second
	}
	return &LLMExtractor{
		client:  params.Client,
		model:   params.Model,
		timeout: timeout,
	}
}

// Extract runs the model against the narrative and unions the result with the
// heuristic baseline. Schema-invalid output is retried once with a stricter
// prompt; a second failure falls back to the baseline alone.
func (e *LLMExtractor) Extract(ctx context.Context, record common.LogRecord, chunk common.NarrativeChunk) (common.Extraction, error) {
	baseline := HeuristicExtraction(record, chunk)

	opts := []ai.GenerateOption{ai.WithTimeout(e.timeout)}
	if e.model != "" {
		opts = append(opts, ai.WithModel(e.model))
	}

	var response extractResponse
	err := e.client.GenerateCompletionWithFormat(
		ctx,
		"log_graph_extraction",
		"Entities and relationships extracted from an observability log narrative",
		fmt.Sprintf(ai.ExtractPrompt, chunk.Text),
		&response,
		opts...,
	)
	if err != nil {
		if ctx.Err() != nil {
			return common.Extraction{}, ctx.Err()
		}
		logger.Warn("[Extract] Model output invalid, retrying with strict prompt", "chunk_id", chunk.PublicID, "err", err)
		response = extractResponse{}
		err = e.client.GenerateCompletionWithFormat(
			ctx,
			"log_graph_extraction",
			"Entities and relationships extracted from an observability log narrative",
			fmt.Sprintf(ai.ExtractStrictPrompt, chunk.Text),
			&response,
			opts...,
		)
	}
	if err != nil {
		if ctx.Err() != nil {
			return common.Extraction{}, ctx.Err()
		}
		logger.Warn("[Extract] Model extraction failed, using heuristic baseline", "chunk_id", chunk.PublicID, "err", err)
		return baseline, nil
	}

	return unionExtraction(baseline, response, chunk), nil
}

// unionExtraction merges model output into the baseline. Baseline mentions
// win on collision; model mentions with unknown types or empty names are
// dropped. LogEntry identity always comes from the chunk, never the model.
func unionExtraction(baseline common.Extraction, response extractResponse, chunk common.NarrativeChunk) common.Extraction {
	out := baseline

	seen := make(map[string]bool, len(out.Nodes))
	for _, n := range out.Nodes {
		seen[string(n.Type)+"\x00"+n.Key] = true
	}

	for _, ent := range response.Entities {
		nodeType, key, ok := resolveMention(ent.Type, ent.Name, chunk)
		if !ok || seen[string(nodeType)+"\x00"+key] {
			continue
		}
		seen[string(nodeType)+"\x00"+key] = true
		out.Nodes = append(out.Nodes, common.NodeMention{
			Type:     nodeType,
			Key:      key,
			LastSeen: chunk.Timestamp,
		})
	}

	seenEdges := make(map[string]bool, len(out.Edges))
	for _, e := range out.Edges {
		seenEdges[edgeMentionKey(e)] = true
	}

	for _, rel := range response.Relations {
		sourceType, sourceKey, ok := resolveMention(rel.SourceType, rel.SourceName, chunk)
		if !ok {
			continue
		}
		targetType, targetKey, ok := resolveMention(rel.TargetType, rel.TargetName, chunk)
		if !ok {
			continue
		}
		edgeType := common.EdgeType(rel.Type)
		if !edgeType.Valid() {
			continue
		}
		mention := common.EdgeMention{
			SourceType: sourceType, SourceKey: sourceKey,
			Type:       edgeType,
			TargetType: targetType, TargetKey: targetKey,
			LastSeen: chunk.Timestamp,
		}
		if seenEdges[edgeMentionKey(mention)] {
			continue
		}
		seenEdges[edgeMentionKey(mention)] = true
		out.Edges = append(out.Edges, mention)
	}

	return out
}

func resolveMention(typeName, name string, chunk common.NarrativeChunk) (common.NodeType, string, bool) {
	nodeType := common.NodeType(typeName)
	if !nodeType.Valid() || name == "" {
		return "", "", false
	}
	switch nodeType {
	case common.NodeLogEntry:
		return nodeType, common.LogEntryKey(chunk.PublicID), true
	case common.NodeDatabase:
		// The model names the queried table directly.
		return nodeType, strings.ToLower(strings.TrimSpace(name)), true
	default:
		return nodeType, common.ServiceKey(name), true
	}
}

func edgeMentionKey(e common.EdgeMention) string {
	return string(e.SourceType) + "\x00" + e.SourceKey + "\x00" + string(e.Type) + "\x00" + string(e.TargetType) + "\x00" + e.TargetKey
}
