package graph

import (
	"strings"

	"github.com/obslens/tracegraph/pkg/common"
)

// HeuristicExtraction derives node and edge mentions directly from the
// structured fields of a log record. It is deterministic and total: every
// record yields at least its Service, Trace and LogEntry mentions, so the
// graph stays consistent even when the model-based extractor is unavailable.
func HeuristicExtraction(record common.LogRecord, chunk common.NarrativeChunk) common.Extraction {
	ts := record.Timestamp
	serviceKey := common.ServiceKey(record.ServiceName)
	traceKey := common.TraceKey(record.TraceID)
	logKey := common.LogEntryKey(chunk.PublicID)
	level := strings.ToUpper(strings.TrimSpace(record.Level))

	var errorDelta int64
	if level == "ERROR" || level == "CRITICAL" {
		errorDelta = 1
	}

	nodes := []common.NodeMention{
		{
			Type:            common.NodeService,
			Key:             serviceKey,
			Attributes:      map[string]string{"name": serviceKey},
			ErrorCountDelta: errorDelta,
			LastSeen:        ts,
		},
		{
			Type:       common.NodeTrace,
			Key:        traceKey,
			Attributes: map[string]string{"trace_id": traceKey},
			LastSeen:   ts,
		},
		{
			Type: common.NodeLogEntry,
			Key:  logKey,
			Attributes: map[string]string{
				"level":   level,
				"message": record.Message,
			},
			LastSeen: ts,
		},
	}

	edges := []common.EdgeMention{
		{
			SourceType: common.NodeLogEntry, SourceKey: logKey,
			Type:       common.EdgePartOfTrace,
			TargetType: common.NodeTrace, TargetKey: traceKey,
			LastSeen: ts,
		},
		{
			SourceType: common.NodeLogEntry, SourceKey: logKey,
			Type:       common.EdgeEmittedBy,
			TargetType: common.NodeService, TargetKey: serviceKey,
			LastSeen: ts,
		},
	}

	if pod, ok := record.MetadataValue("pod_id"); ok && strings.TrimSpace(pod) != "" {
		podKey := common.PodKey(pod)
		nodes = append(nodes, common.NodeMention{
			Type:       common.NodePod,
			Key:        podKey,
			Attributes: map[string]string{"pod_id": podKey},
			LastSeen:   ts,
		})
		edges = append(edges, common.EdgeMention{
			SourceType: common.NodeService, SourceKey: serviceKey,
			Type:       common.EdgeRunningOn,
			TargetType: common.NodePod, TargetKey: podKey,
			LastSeen: ts,
		})
	}

	if stmt, ok := record.MetadataValueContains("db.statement"); ok && strings.TrimSpace(stmt) != "" {
		dbKey := common.DatabaseKey(stmt)
		nodes = append(nodes, common.NodeMention{
			Type:       common.NodeDatabase,
			Key:        dbKey,
			Attributes: map[string]string{"statement": stmt},
			LastSeen:   ts,
		})
		edges = append(edges, common.EdgeMention{
			SourceType: common.NodeService, SourceKey: serviceKey,
			Type:       common.EdgeExecutedQuery,
			TargetType: common.NodeDatabase, TargetKey: dbKey,
			LastSeen: ts,
		})
	}

	return common.Extraction{Chunk: chunk, Nodes: nodes, Edges: edges}
}
