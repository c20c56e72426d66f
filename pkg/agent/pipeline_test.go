package agent

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/graph"
	"github.com/obslens/tracegraph/pkg/store/memory"
)

// TestIngestThenQuery runs a record through the full construction pipeline
// and then queries the same storage, checking the answer cites the ingested
// chunk.
func TestIngestThenQuery(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewGraphMemStorage()
	client := &stubAIClient{
		optimizeResult: "api-gateway database connection timeout trace-123",
		answerResult:   "api-gateway timed out querying the users table.",
		embedding:      []float32{1, 0, 0},
		ranking:        []rankedResult{{Index: 0, RelevanceScore: 0.9, Reasoning: "direct match"}},
	}

	gc := graph.NewGraphClient(graph.NewGraphClientParams{
		Extractor: graph.HeuristicExtractor{},
		Merge:     graph.NewMergeEngine(graph.NewMergeEngineParams{Storage: storage}),
		AIClient:  client,
		Storage:   storage,
	})

	record := common.LogRecord{
		TraceID:     "trace-123",
		ServiceName: "api-gateway",
		Level:       "ERROR",
		Message:     "Database connection timeout",
		Metadata: []common.MetadataPair{
			{Key: "pod_id", Value: "pod-456"},
			{Key: "db.statement.postgres", Value: "SELECT * FROM users"},
		},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := gc.ProcessRecord(ctx, record); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	agent := NewAgent(NewAgentParams{AIClient: client, Storage: storage})
	response, err := agent.Run(ctx, "Why did the api-gateway hit a database timeout?")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if response.Answer != client.answerResult {
		t.Errorf("answer = %q", response.Answer)
	}
	if len(response.ContextSources) != 1 {
		t.Fatalf("context sources = %d, want 1", len(response.ContextSources))
	}
	chunkID := common.RecordPublicID(record)
	if !strings.Contains(response.ContextSources[0], chunkID) {
		t.Errorf("context source %q should cite chunk %s", response.ContextSources[0], chunkID)
	}
}

func TestSnippetKeepsRuneBoundaries(t *testing.T) {
	text := strings.Repeat("é", 200)
	got := snippet(text, 160)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 160)+"..." {
		t.Errorf("snippet = %q", got)
	}
	if short := snippet("short", 160); short != "short" {
		t.Errorf("snippet of short text = %q, want unchanged", short)
	}
}
