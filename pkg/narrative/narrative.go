// Package narrative renders incoming log records into natural-language
// chunks. The rendering is deterministic: the same record always yields the
// same text and the same chunk identity, which the merge engine relies on for
// replay detection.
package narrative

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/obslens/tracegraph/pkg/common"
)

// MaxChunkTokens caps the rendered narrative so metadata-heavy records stay
// well inside the extraction model context.
const MaxChunkTokens = 512

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("o200k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// BuildChunk renders one LogRecord into its narrative chunk. Absent fields
// omit their clause entirely rather than rendering placeholders.
func BuildChunk(record common.LogRecord) common.NarrativeChunk {
	var b strings.Builder

	service := strings.TrimSpace(record.ServiceName)
	level := strings.ToUpper(strings.TrimSpace(record.Level))
	if level == "" {
		level = "INFO"
	}

	if pod, ok := record.MetadataValue("pod_id"); ok && strings.TrimSpace(pod) != "" {
		fmt.Fprintf(&b, "Service '%s' running on pod '%s'", service, strings.TrimSpace(pod))
	} else {
		fmt.Fprintf(&b, "Service '%s'", service)
	}
	fmt.Fprintf(&b, " logged a %s event: %s.", level, strings.TrimSpace(record.Message))

	for _, clause := range metadataClauses(record) {
		b.WriteString(" ")
		b.WriteString(clause)
	}

	return common.NarrativeChunk{
		PublicID:    common.RecordPublicID(record),
		Text:        capTokens(b.String(), MaxChunkTokens),
		TraceID:     record.TraceID,
		ServiceName: record.ServiceName,
		Level:       level,
		Message:     record.Message,
		Timestamp:   record.Timestamp,
	}
}

// metadataClauses maps each metadata pair onto a narrative sentence. Pairs the
// mapping does not recognize fall through to a plain "key: value" clause so no
// signal is silently dropped. pod_id is consumed by the header sentence.
func metadataClauses(record common.LogRecord) []string {
	clauses := make([]string, 0, len(record.Metadata))
	for _, m := range record.Metadata {
		key := strings.ToLower(strings.TrimSpace(m.Key))
		value := strings.TrimSpace(m.Value)
		if value == "" || key == "pod_id" {
			continue
		}

		switch {
		case strings.Contains(key, "db.statement"):
			clauses = append(clauses, fmt.Sprintf("The service executed database query '%s'.", value))
		case strings.Contains(key, "http.method"):
			clauses = append(clauses, fmt.Sprintf("The request was made via HTTP %s.", value))
		case strings.Contains(key, "http.status") || strings.Contains(key, "status_code"):
			clauses = append(clauses, fmt.Sprintf("The operation returned status code %s.", value))
		case strings.Contains(key, "url") || strings.Contains(key, "endpoint"):
			clauses = append(clauses, fmt.Sprintf("It was targeting endpoint '%s'.", value))
		case strings.Contains(key, "retry"):
			clauses = append(clauses, fmt.Sprintf("This was retry attempt #%s.", value))
		case strings.Contains(key, "error") || strings.Contains(key, "exception"):
			clauses = append(clauses, fmt.Sprintf("The service encountered error '%s'.", value))
		case strings.Contains(key, "queue") || strings.Contains(key, "topic"):
			clauses = append(clauses, fmt.Sprintf("The message was processed using queue/topic '%s'.", value))
		default:
			clauses = append(clauses, fmt.Sprintf("%s: %s.", m.Key, value))
		}
	}
	return clauses
}

func capTokens(text string, maxTokens int) string {
	enc := getEncoding()
	if enc == nil {
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}
