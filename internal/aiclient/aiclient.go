// Package aiclient builds the configured AI adapter from the environment,
// shared by the server and the worker entrypoints.
package aiclient

import (
	"fmt"

	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/ai"
	oll "github.com/obslens/tracegraph/pkg/ai/ollama"
	oai "github.com/obslens/tracegraph/pkg/ai/openai"
)

// BuildFromEnv constructs the AI client selected by AI_ADAPTER, either
// "openai" (default) or "ollama".
func BuildFromEnv() (ai.GraphAIClient, error) {
	adapter := util.GetEnvString("AI_ADAPTER", "openai")

	switch adapter {
	case "ollama":
		return oll.NewGraphOllamaClient(oll.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),
			QueryModel:      util.GetEnv("AI_QUERY_MODEL"),

			BaseURL: util.GetEnv("AI_BASE_URL"),
			ApiKey:  util.GetEnv("AI_API_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_MAX_INFLIGHT", 4)),
		})
	case "openai":
		return oai.NewGraphOpenAIClient(oai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),
			QueryModel:      util.GetEnv("AI_QUERY_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			MaxInflight: int64(util.GetEnvNumeric("AI_MAX_INFLIGHT", 4)),
		}), nil
	default:
		return nil, fmt.Errorf("unknown AI adapter %q", adapter)
	}
}
