package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MetadataPair is one ordered key/value attribute attached to a log record.
type MetadataPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LogRecord is a single observability event as received from the transport.
// It is the source of truth for everything derived downstream and is never
// mutated after decoding.
type LogRecord struct {
	TraceID     string         `json:"trace_id"`
	ServiceName string         `json:"service_name"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Metadata    []MetadataPair `json:"metadata"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Validate reports whether the record carries the fields required to enter
// the ingestion pipeline. Records failing validation are dead-lettered.
func (r LogRecord) Validate() error {
	if strings.TrimSpace(r.TraceID) == "" {
		return E(KindTransport, "log record is missing trace_id", nil)
	}
	if strings.TrimSpace(r.ServiceName) == "" {
		return E(KindTransport, "log record is missing service_name", nil)
	}
	return nil
}

// MetadataValue returns the value for an exact metadata key.
func (r LogRecord) MetadataValue(key string) (string, bool) {
	for _, m := range r.Metadata {
		if strings.EqualFold(m.Key, key) {
			return m.Value, true
		}
	}
	return "", false
}

// MetadataValueContains returns the first value whose key contains the given
// fragment, e.g. "db.statement" matching "db.statement.postgres".
func (r LogRecord) MetadataValueContains(fragment string) (string, bool) {
	fragment = strings.ToLower(fragment)
	for _, m := range r.Metadata {
		if strings.Contains(strings.ToLower(m.Key), fragment) {
			return m.Value, true
		}
	}
	return "", false
}

// NarrativeChunk is the natural-language rendering of one LogRecord. It is
// the unit handed to the extractor and indexed for vector search. PublicID is
// derived deterministically from the record so re-delivery of the same record
// produces the same chunk identity.
type NarrativeChunk struct {
	PublicID    string    `json:"public_id"`
	Text        string    `json:"text"`
	TraceID     string    `json:"trace_id"`
	ServiceName string    `json:"service_name"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordPublicID derives the stable identity of a LogRecord. Two deliveries
// of the same record always map to the same ID, which is what makes replay
// detection (and thus idempotent merging) possible.
func RecordPublicID(r LogRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", r.TraceID, r.ServiceName, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Message)
	return "log-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// NodeType is the closed set of graph node variants.
type NodeType string

const (
	NodeService  NodeType = "Service"
	NodeTrace    NodeType = "Trace"
	NodePod      NodeType = "Pod"
	NodeLogEntry NodeType = "LogEntry"
	NodeDatabase NodeType = "Database"
)

// Valid reports whether t is a known node variant.
func (t NodeType) Valid() bool {
	switch t {
	case NodeService, NodeTrace, NodePod, NodeLogEntry, NodeDatabase:
		return true
	}
	return false
}

// EdgeType is the closed set of directed relationship variants.
type EdgeType string

const (
	EdgePartOfTrace   EdgeType = "PART_OF_TRACE"
	EdgeEmittedBy     EdgeType = "EMITTED_BY"
	EdgeRunningOn     EdgeType = "RUNNING_ON"
	EdgeExecutedQuery EdgeType = "EXECUTED_QUERY"
)

// Valid reports whether t is a known edge variant.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgePartOfTrace, EdgeEmittedBy, EdgeRunningOn, EdgeExecutedQuery:
		return true
	}
	return false
}

// ServiceKey derives the identity key of a Service node.
func ServiceKey(name string) string {
	return strings.TrimSpace(name)
}

// TraceKey derives the identity key of a Trace node.
func TraceKey(id string) string {
	return strings.TrimSpace(id)
}

// PodKey derives the identity key of a Pod node. Pod IDs are treated as
// globally unique: the cluster schedulers we consume from never reuse a pod
// name within the retention window.
func PodKey(id string) string {
	return strings.TrimSpace(id)
}

// LogEntryKey derives the identity key of a LogEntry node from its chunk.
func LogEntryKey(chunkPublicID string) string {
	return chunkPublicID
}

// DatabaseKey derives the identity key of a Database node from a statement.
// It prefers the first table referenced (FROM/INTO/UPDATE/JOIN target) so
// that all statements against one table collapse into one node; statements
// without a recognizable target fall back to a hash of the statement text.
func DatabaseKey(statement string) string {
	fields := strings.Fields(statement)
	for i, f := range fields {
		switch strings.ToUpper(f) {
		case "FROM", "INTO", "UPDATE", "JOIN", "TABLE":
			if i+1 < len(fields) {
				target := strings.Trim(fields[i+1], `"'();,`)
				if target != "" {
					return strings.ToLower(target)
				}
			}
		}
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(statement)))
	return "stmt-" + hex.EncodeToString(sum[:])[:16]
}

// NodeMention is one extracted reference to a graph node, carrying enough
// structure for the merge engine to upsert it by identity key.
type NodeMention struct {
	Type       NodeType          `json:"type"`
	Key        string            `json:"key"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// ErrorCountDelta is added to the node's monotonic error counter on
	// first application of the extraction; replays do not re-apply it.
	ErrorCountDelta int64     `json:"error_count_delta,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
}

// EdgeMention is one extracted directed relationship between two node
// mentions, identified by (source key, type, target key).
type EdgeMention struct {
	SourceType NodeType          `json:"source_type"`
	SourceKey  string            `json:"source_key"`
	Type       EdgeType          `json:"type"`
	TargetType NodeType          `json:"target_type"`
	TargetKey  string            `json:"target_key"`
	Attributes map[string]string `json:"attributes,omitempty"`
	LastSeen   time.Time         `json:"last_seen"`
}

// Extraction is the full output of extracting one narrative chunk: the chunk
// itself plus every node and edge mention derived from it. Applying an
// Extraction to storage is atomic and idempotent.
type Extraction struct {
	Chunk NarrativeChunk `json:"chunk"`
	Nodes []NodeMention  `json:"nodes"`
	Edges []EdgeMention  `json:"edges"`
}

// DateRange is an optional time window extracted from a question. Nil bounds
// mean unbounded on that side.
type DateRange struct {
	Start *time.Time `json:"start_date"`
	End   *time.Time `json:"end_date"`
}

// Empty reports whether no bound was extracted.
func (d DateRange) Empty() bool {
	return d.Start == nil && d.End == nil
}

// Contains reports whether ts falls inside the range.
func (d DateRange) Contains(ts time.Time) bool {
	if d.Start != nil && ts.Before(*d.Start) {
		return false
	}
	if d.End != nil && ts.After(*d.End) {
		return false
	}
	return true
}
