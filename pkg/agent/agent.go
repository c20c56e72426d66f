// Package agent implements the multi-stage query pipeline over the knowledge
// graph: optimize the question, extract time constraints, retrieve candidate
// logs with their trace context, rerank, and synthesize an answer. Helper
// stage failures degrade instead of failing the query; only retrieval-empty
// short-circuits, and only synthesis is allowed to fail it.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/obslens/tracegraph/pkg/ai"
	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/logger"
	"github.com/obslens/tracegraph/pkg/store"
)

// QueryContext accumulates state across the stages of one query. Stages only
// append; nothing downstream mutates what an earlier stage wrote.
type QueryContext struct {
	OriginalQuestion  string
	OptimizedQuestion string
	ExtractedDates    common.DateRange
	Candidates        []store.RetrievedDoc
	Reranked          []store.RetrievedDoc
	Answer            string
	ContextSources    []string
	Degraded          bool
}

// QueryResponse is the external result of one query.
type QueryResponse struct {
	Answer            string           `json:"answer"`
	OriginalQuestion  string           `json:"original_question"`
	OptimizedQuestion string           `json:"optimized_question"`
	ExtractedDates    common.DateRange `json:"extracted_dates"`
	ContextSources    []string         `json:"context_sources"`
}

// Agent executes the query pipeline. One Agent serves all requests.
type Agent struct {
	aiClient ai.GraphAIClient
	storage  store.GraphStorage

	retrieveK int
	topK      int
	now       func() time.Time
}

// NewAgentParams configures an Agent. RetrieveK is the vector search width
// (default 15); TopK the rerank cut (default 5).
type NewAgentParams struct {
	AIClient ai.GraphAIClient
	Storage  store.GraphStorage

	RetrieveK int
	TopK      int

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

func NewAgent(params NewAgentParams) *Agent {
	retrieveK := params.RetrieveK
	if retrieveK < 1 {
		retrieveK = 15
	}
	topK := params.TopK
	if topK < 1 {
		topK = 5
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		aiClient:  params.AIClient,
		storage:   params.Storage,
		retrieveK: retrieveK,
		topK:      topK,
		now:       now,
	}
}

type stage struct {
	name string
	run  func(ctx context.Context, qc *QueryContext) (bool, error)
}

// Run executes the pipeline for one question. A context deadline aborts the
// whole query with a timeout error; partial answers are never returned.
func (a *Agent) Run(ctx context.Context, question string) (*QueryResponse, error) {
	qc := &QueryContext{OriginalQuestion: question}

	stages := []stage{
		{"optimize", a.optimize},
		{"extract_dates", a.extractDates},
		{"retrieve", a.retrieve},
		{"rerank", a.rerank},
		{"synthesize", a.synthesize},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, common.E(common.KindTimeout, "query aborted at stage "+st.name, err)
		}
		cont, err := st.run(ctx, qc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, common.E(common.KindTimeout, "query aborted at stage "+st.name, err)
			}
			return nil, err
		}
		if !cont {
			break
		}
	}

	return &QueryResponse{
		Answer:            qc.Answer,
		OriginalQuestion:  qc.OriginalQuestion,
		OptimizedQuestion: qc.OptimizedQuestion,
		ExtractedDates:    qc.ExtractedDates,
		ContextSources:    qc.ContextSources,
	}, nil
}

func (a *Agent) optimize(ctx context.Context, qc *QueryContext) (bool, error) {
	optimized, err := a.aiClient.GenerateCompletion(ctx,
		fmt.Sprintf(ai.OptimizePrompt, qc.OriginalQuestion),
		ai.WithTemperature(0),
	)
	if err != nil || strings.TrimSpace(optimized) == "" {
		logger.Warn("[Agent] Query optimization failed, using original question", "err", err)
		qc.OptimizedQuestion = qc.OriginalQuestion
		return true, nil
	}
	qc.OptimizedQuestion = strings.TrimSpace(optimized)
	return true, nil
}

type dateResponse struct {
	StartDate *string `json:"start_date" jsonschema_description:"Start of the time range in ISO 8601, or null"`
	EndDate   *string `json:"end_date" jsonschema_description:"End of the time range in ISO 8601, or null"`
}

func (a *Agent) extractDates(ctx context.Context, qc *QueryContext) (bool, error) {
	var response dateResponse
	err := a.aiClient.GenerateCompletionWithFormat(ctx,
		"date_range_extraction",
		"Time range filters extracted from a log analysis question",
		fmt.Sprintf(ai.DatesPrompt, a.now().Format(time.RFC3339), qc.OriginalQuestion),
		&response,
		ai.WithTemperature(0),
	)
	if err != nil {
		logger.Warn("[Agent] Date extraction failed, querying unbounded", "err", err)
		return true, nil
	}
	qc.ExtractedDates = common.DateRange{
		Start: parseDate(response.StartDate),
		End:   parseDate(response.EndDate),
	}
	return true, nil
}

func parseDate(s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(*s)); err == nil {
			return &t
		}
	}
	return nil
}

func (a *Agent) retrieve(ctx context.Context, qc *QueryContext) (bool, error) {
	embedding, err := a.aiClient.GenerateEmbedding(ctx, []byte(qc.OptimizedQuestion))
	if err == nil {
		qc.Candidates, err = a.storage.SearchChunks(ctx, embedding, a.retrieveK, qc.ExtractedDates)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		logger.Warn("[Agent] Retrieval failed, degrading", "err", err)
		qc.Candidates = nil
	}

	if len(qc.Candidates) == 0 {
		qc.Degraded = true
		qc.Answer = ai.NoEvidenceAnswer
		qc.ContextSources = []string{}
		logger.Info("[Agent] No candidates, terminating degraded", "question", qc.OriginalQuestion)
		return false, nil
	}
	return true, nil
}

func (a *Agent) synthesize(ctx context.Context, qc *QueryContext) (bool, error) {
	blocks := make([]string, 0, len(qc.Reranked))
	sources := make([]string, 0, len(qc.Reranked))
	for _, doc := range qc.Reranked {
		blocks = append(blocks, fmt.Sprintf("Doc (Score: %.2f):\n%s", doc.RerankScore, docContext(doc)))
		sources = append(sources, fmt.Sprintf("[%s | score %.2f] %s", doc.ChunkID, doc.RerankScore, snippet(doc.Text, 160)))
	}

	answer, err := a.aiClient.GenerateCompletion(ctx,
		fmt.Sprintf(ai.AnswerPrompt, strings.Join(blocks, "\n\n"), qc.OriginalQuestion),
		ai.WithTemperature(0),
	)
	if err != nil {
		return false, common.E(common.KindInternal, "answer synthesis failed", err)
	}

	qc.Answer = strings.TrimSpace(answer)
	qc.ContextSources = sources
	return true, nil
}

// docContext renders one retrieved document with its graph-derived root
// cause candidates, the shape the synthesis prompt expects.
func docContext(doc store.RetrievedDoc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Log Event (Level: %s): %s\n", doc.Level, doc.Text)
	fmt.Fprintf(&b, "Source: Service '%s'\n", doc.ServiceName)
	fmt.Fprintf(&b, "Trace ID: %s\n", doc.TraceID)
	fmt.Fprintf(&b, "Timestamp: %s\n", doc.Timestamp.Format(time.RFC3339))

	if len(doc.PriorErrors) > 0 {
		b.WriteString("POTENTIAL ROOT CAUSES (Preceding errors in this trace):\n")
		for _, p := range doc.PriorErrors {
			fmt.Fprintf(&b, "  - Service '%s' logged %s: '%s' at %s\n", p.ServiceName, p.Level, p.Message, p.Timestamp.Format(time.RFC3339))
		}
	} else {
		b.WriteString("No preceding errors found in this trace.\n")
	}
	return b.String()
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
