package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/obslens/tracegraph/pkg/ai"
	"github.com/obslens/tracegraph/pkg/logger"
	"github.com/obslens/tracegraph/pkg/store"
)

type rankedResult struct {
	Index          int     `json:"index" jsonschema_description:"DOC ID of the document being ranked"`
	RelevanceScore float64 `json:"relevance_score" jsonschema_description:"Relevance to the query in [0,1]"`
	Reasoning      string  `json:"reasoning" jsonschema_description:"One sentence explaining the rank"`
}

type rankingOutput struct {
	RankedResults []rankedResult `json:"ranked_results" jsonschema_description:"Documents sorted by relevance, best first"`
}

func (a *Agent) rerank(ctx context.Context, qc *QueryContext) (bool, error) {
	qc.Reranked = a.rerankDocs(ctx, qc.OptimizedQuestion, qc.Candidates)
	return true, nil
}

// rerankDocs asks the model to order candidates by relevance. Any failure
// falls back to a deterministic severity-and-recency ordering so the query
// still answers from the best evidence available.
func (a *Agent) rerankDocs(ctx context.Context, query string, docs []store.RetrievedDoc) []store.RetrievedDoc {
	if len(docs) == 0 {
		return nil
	}

	var docsText strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&docsText, "--- DOC ID %d ---\nContent: %s\nMetadata: trace_id=%s service=%s level=%s time=%s score=%.3f\n\n",
			i, doc.Text, doc.TraceID, doc.ServiceName, doc.Level, doc.Timestamp.Format("2006-01-02T15:04:05"), doc.Score)
	}

	var output rankingOutput
	err := a.aiClient.GenerateCompletionWithFormat(ctx,
		"log_reranking",
		"Log documents reranked by relevance to the query",
		fmt.Sprintf(ai.RerankPrompt, query, docsText.String(), a.topK),
		&output,
		ai.WithTemperature(0),
	)
	if err != nil {
		logger.Warn("[Agent] Reranking failed, using heuristic order", "err", err)
		return heuristicRank(docs, a.topK)
	}

	reranked := make([]store.RetrievedDoc, 0, a.topK)
	seen := make(map[int]bool)
	for _, item := range output.RankedResults {
		if item.Index < 0 || item.Index >= len(docs) || seen[item.Index] {
			continue
		}
		seen[item.Index] = true
		doc := docs[item.Index]
		doc.RerankScore = item.RelevanceScore
		doc.RerankReason = item.Reasoning
		reranked = append(reranked, doc)
		if len(reranked) == a.topK {
			break
		}
	}
	if len(reranked) == 0 {
		logger.Warn("[Agent] Rerank output referenced no valid documents, using heuristic order")
		return heuristicRank(docs, a.topK)
	}
	return reranked
}

var severityWeight = map[string]int{
	"CRITICAL": 4,
	"ERROR":    3,
	"WARN":     2,
	"INFO":     1,
}

// heuristicRank orders by severity, then recency, then vector score.
func heuristicRank(docs []store.RetrievedDoc, topK int) []store.RetrievedDoc {
	out := make([]store.RetrievedDoc, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := severityWeight[out[i].Level], severityWeight[out[j].Level]
		if wi != wj {
			return wi > wj
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].RerankScore = out[i].Score
	}
	return out
}
