package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/obslens/tracegraph/pkg/ai"
	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/store"
	"github.com/obslens/tracegraph/pkg/store/memory"
)

// stubAIClient routes calls on the prompt and schema name so a single stub
// can serve all pipeline stages.
type stubAIClient struct {
	optimizeResult string
	optimizeErr    error
	answerResult   string
	answerErr      error
	datesErr       error
	startDate      *string
	endDate        *string
	rankingErr     error
	ranking        []rankedResult
	embedding      []float32
	embeddingErr   error
}

func (s *stubAIClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if strings.Contains(prompt, "Optimized Query:") {
		return s.optimizeResult, s.optimizeErr
	}
	return s.answerResult, s.answerErr
}

func (s *stubAIClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	switch name {
	case "date_range_extraction":
		if s.datesErr != nil {
			return s.datesErr
		}
		*(out.(*dateResponse)) = dateResponse{StartDate: s.startDate, EndDate: s.endDate}
		return nil
	case "log_reranking":
		if s.rankingErr != nil {
			return s.rankingErr
		}
		*(out.(*rankingOutput)) = rankingOutput{RankedResults: s.ranking}
		return nil
	}
	return errors.New("unexpected schema: " + name)
}

func (s *stubAIClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return s.embedding, s.embeddingErr
}

func (s *stubAIClient) ResetMetrics() {}

func (s *stubAIClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func seedStorage(t *testing.T) *memory.GraphMemStorage {
	t.Helper()
	ctx := context.Background()
	storage := memory.NewGraphMemStorage()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	chunks := []struct {
		id        string
		trace     string
		service   string
		level     string
		message   string
		ts        time.Time
		embedding []float32
	}{
		{"log-prior", "t1", "db-service", "ERROR", "connection pool exhausted", base.Add(-time.Minute), []float32{0, 1, 0}},
		{"log-target", "t1", "api-gateway", "WARN", "upstream timeout", base, []float32{1, 0, 0}},
		{"log-other", "t2", "checkout", "INFO", "order placed", base.Add(time.Hour), []float32{0.9, 0.1, 0}},
	}
	for _, c := range chunks {
		ext := common.Extraction{
			Chunk: common.NarrativeChunk{
				PublicID:    c.id,
				Text:        "Service '" + c.service + "' logged a " + c.level + " event: " + c.message + ".",
				TraceID:     c.trace,
				ServiceName: c.service,
				Level:       c.level,
				Message:     c.message,
				Timestamp:   c.ts,
			},
		}
		if _, err := storage.ApplyExtraction(ctx, ext); err != nil {
			t.Fatalf("seed apply failed: %v", err)
		}
		if err := storage.AttachEmbedding(ctx, c.id, c.embedding); err != nil {
			t.Fatalf("seed attach failed: %v", err)
		}
	}
	return storage
}

func TestRunFullPipeline(t *testing.T) {
	client := &stubAIClient{
		optimizeResult: "api-gateway upstream timeout t1",
		answerResult:   "The api-gateway timeout was caused by db-service exhausting its pool.",
		embedding:      []float32{1, 0, 0},
		ranking: []rankedResult{
			{Index: 0, RelevanceScore: 0.95, Reasoning: "direct match"},
			{Index: 1, RelevanceScore: 0.4, Reasoning: "same incident"},
		},
	}
	agent := NewAgent(NewAgentParams{AIClient: client, Storage: seedStorage(t)})

	response, err := agent.Run(context.Background(), "Why did the api-gateway time out?")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if response.OriginalQuestion != "Why did the api-gateway time out?" {
		t.Errorf("original question = %q", response.OriginalQuestion)
	}
	if response.OptimizedQuestion != "api-gateway upstream timeout t1" {
		t.Errorf("optimized question = %q", response.OptimizedQuestion)
	}
	if response.Answer != client.answerResult {
		t.Errorf("answer = %q", response.Answer)
	}
	if len(response.ContextSources) != 2 {
		t.Fatalf("context sources = %d, want 2", len(response.ContextSources))
	}
	if !strings.Contains(response.ContextSources[0], "log-target") || !strings.Contains(response.ContextSources[0], "0.95") {
		t.Errorf("context source format: %q", response.ContextSources[0])
	}
}

func TestRunDegradedOnEmptyRetrieval(t *testing.T) {
	client := &stubAIClient{
		optimizeResult: "anything",
		answerErr:      errors.New("synthesize must not be called"),
		rankingErr:     errors.New("rerank must not be called"),
		embedding:      []float32{1, 0, 0},
	}
	agent := NewAgent(NewAgentParams{AIClient: client, Storage: memory.NewGraphMemStorage()})

	response, err := agent.Run(context.Background(), "Why did nothing happen?")
	if err != nil {
		t.Fatalf("degraded run must not error: %v", err)
	}
	if response.Answer != ai.NoEvidenceAnswer {
		t.Errorf("answer = %q, want the no-evidence answer", response.Answer)
	}
	if response.ContextSources == nil || len(response.ContextSources) != 0 {
		t.Errorf("context sources = %v, want empty non-nil", response.ContextSources)
	}
}

func TestOptimizeFallsBackToOriginal(t *testing.T) {
	client := &stubAIClient{
		optimizeErr:  errors.New("model down"),
		answerResult: "answer",
		embedding:    []float32{1, 0, 0},
		ranking:      []rankedResult{{Index: 0, RelevanceScore: 0.5}},
	}
	agent := NewAgent(NewAgentParams{AIClient: client, Storage: seedStorage(t)})

	response, err := agent.Run(context.Background(), "Why did the api-gateway time out?")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if response.OptimizedQuestion != response.OriginalQuestion {
		t.Errorf("optimized = %q, want fallback to original", response.OptimizedQuestion)
	}
}

func TestDateExtraction(t *testing.T) {
	start := "2025-06-01T00:00:00"
	client := &stubAIClient{
		optimizeResult: "q",
		answerResult:   "answer",
		embedding:      []float32{1, 0, 0},
		startDate:      &start,
		ranking:        []rankedResult{{Index: 0, RelevanceScore: 0.5}},
	}
	agent := NewAgent(NewAgentParams{AIClient: client, Storage: seedStorage(t)})

	response, err := agent.Run(context.Background(), "errors since June 1st?")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if response.ExtractedDates.Start == nil {
		t.Fatal("start date not extracted")
	}
	want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if !response.ExtractedDates.Start.Equal(want) {
		t.Errorf("start = %v, want %v", response.ExtractedDates.Start, want)
	}
	if response.ExtractedDates.End != nil {
		t.Errorf("end = %v, want nil", response.ExtractedDates.End)
	}
}

func TestRerankHeuristicFallback(t *testing.T) {
	client := &stubAIClient{
		optimizeResult: "q",
		answerResult:   "answer",
		embedding:      []float32{1, 0, 0},
		rankingErr:     errors.New("rerank model down"),
	}
	agent := NewAgent(NewAgentParams{AIClient: client, Storage: seedStorage(t), TopK: 2})

	response, err := agent.Run(context.Background(), "what failed?")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(response.ContextSources) != 2 {
		t.Fatalf("context sources = %d, want 2", len(response.ContextSources))
	}
	// severity order puts the ERROR doc first
	if !strings.Contains(response.ContextSources[0], "log-prior") {
		t.Errorf("heuristic order should rank the ERROR doc first: %q", response.ContextSources[0])
	}
}

func TestSynthesisFailureIsFatal(t *testing.T) {
	client := &stubAIClient{
		optimizeResult: "q",
		answerErr:      errors.New("model down"),
		embedding:      []float32{1, 0, 0},
		ranking:        []rankedResult{{Index: 0, RelevanceScore: 0.5}},
	}
	agent := NewAgent(NewAgentParams{AIClient: client, Storage: seedStorage(t)})

	if _, err := agent.Run(context.Background(), "what failed?"); err == nil {
		t.Fatal("expected synthesis failure to fail the query")
	}
}

func TestRunTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &stubAIClient{optimizeResult: "q"}
	agent := NewAgent(NewAgentParams{AIClient: client, Storage: memory.NewGraphMemStorage()})

	_, err := agent.Run(ctx, "anything")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !common.IsKind(err, common.KindTimeout) {
		t.Errorf("err kind = %v, want %v", common.KindOf(err), common.KindTimeout)
	}
}

func TestHeuristicRank(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	in := heuristicRank([]store.RetrievedDoc{
		{Level: "INFO", Timestamp: base.Add(time.Hour), Score: 0.9},
		{Level: "ERROR", Timestamp: base, Score: 0.5},
		{Level: "WARN", Timestamp: base.Add(time.Minute), Score: 0.7},
	}, 2)

	if len(in) != 2 {
		t.Fatalf("got %d docs, want 2", len(in))
	}
	if in[0].Level != "ERROR" || in[1].Level != "WARN" {
		t.Errorf("order = %s, %s; want ERROR, WARN", in[0].Level, in[1].Level)
	}
}
