package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/narrative"
	"github.com/obslens/tracegraph/pkg/store"
	"github.com/obslens/tracegraph/pkg/store/memory"
)

var errConflict = errors.New("serialization conflict")

// conflictStorage wraps the in-memory store and fails the first N applies
// with a transient conflict.
type conflictStorage struct {
	*memory.GraphMemStorage
	failures int
	applies  int
}

func (c *conflictStorage) ApplyExtraction(ctx context.Context, extraction common.Extraction) (store.ApplyResult, error) {
	c.applies++
	if c.applies <= c.failures {
		return store.ApplyResult{}, errConflict
	}
	return c.GraphMemStorage.ApplyExtraction(ctx, extraction)
}

func isConflictErr(err error) bool {
	return errors.Is(err, errConflict)
}

func mergeExtraction(traceID, service, level string, ts time.Time) common.Extraction {
	record := common.LogRecord{
		TraceID:     traceID,
		ServiceName: service,
		Level:       level,
		Message:     "request failed",
		Timestamp:   ts,
	}
	chunk := narrative.BuildChunk(record)
	return HeuristicExtraction(record, chunk)
}

func TestMergeRetriesConflicts(t *testing.T) {
	storage := &conflictStorage{GraphMemStorage: memory.NewGraphMemStorage(), failures: 2}
	engine := NewMergeEngine(NewMergeEngineParams{
		Storage:     storage,
		IsRetryable: isConflictErr,
		MaxTries:    5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})

	result, err := engine.Apply(context.Background(), mergeExtraction("t1", "svc-a", "ERROR", time.Now()))
	if err != nil {
		t.Fatalf("apply failed after conflicts: %v", err)
	}
	if !result.FirstApplication {
		t.Error("successful apply must report first application")
	}
	if storage.applies != 3 {
		t.Errorf("applies = %d, want 3", storage.applies)
	}
}

func TestMergeConflictExhaustion(t *testing.T) {
	storage := &conflictStorage{GraphMemStorage: memory.NewGraphMemStorage(), failures: 100}
	engine := NewMergeEngine(NewMergeEngineParams{
		Storage:     storage,
		IsRetryable: isConflictErr,
		MaxTries:    3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})

	_, err := engine.Apply(context.Background(), mergeExtraction("t1", "svc-a", "ERROR", time.Now()))
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if !common.IsKind(err, common.KindStorageConflict) {
		t.Errorf("err kind = %v, want %v", common.KindOf(err), common.KindStorageConflict)
	}
	if storage.applies != 3 {
		t.Errorf("applies = %d, want 3", storage.applies)
	}
}

func TestMergeNonRetryableFailsThrough(t *testing.T) {
	storage := &conflictStorage{GraphMemStorage: memory.NewGraphMemStorage(), failures: 100}
	engine := NewMergeEngine(NewMergeEngineParams{
		Storage:     storage,
		IsRetryable: func(error) bool { return false },
		MaxTries:    5,
		BaseDelay:   time.Millisecond,
	})

	_, err := engine.Apply(context.Background(), mergeExtraction("t1", "svc-a", "ERROR", time.Now()))
	if err == nil {
		t.Fatal("expected error")
	}
	if common.IsKind(err, common.KindStorageConflict) {
		t.Error("non-retryable errors must not be classified as conflict exhaustion")
	}
	if storage.applies != 1 {
		t.Errorf("applies = %d, want 1", storage.applies)
	}
}

// Interleaving order across concurrent traces must not change the final
// graph: same nodes, same edges, same counters.
func TestMergeCommutativity(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	exts := []common.Extraction{
		mergeExtraction("t1", "svc-a", "ERROR", base),
		mergeExtraction("t2", "svc-a", "INFO", base.Add(time.Second)),
		mergeExtraction("t1", "svc-b", "ERROR", base.Add(2*time.Second)),
	}

	forward := memory.NewGraphMemStorage()
	reverse := memory.NewGraphMemStorage()
	forwardEngine := NewMergeEngine(NewMergeEngineParams{Storage: forward})
	reverseEngine := NewMergeEngine(NewMergeEngineParams{Storage: reverse})

	for _, ext := range exts {
		if _, err := forwardEngine.Apply(ctx, ext); err != nil {
			t.Fatalf("forward apply failed: %v", err)
		}
	}
	for i := len(exts) - 1; i >= 0; i-- {
		if _, err := reverseEngine.Apply(ctx, exts[i]); err != nil {
			t.Fatalf("reverse apply failed: %v", err)
		}
	}

	for _, key := range []struct {
		t common.NodeType
		k string
	}{
		{common.NodeService, "svc-a"},
		{common.NodeService, "svc-b"},
		{common.NodeTrace, "t1"},
		{common.NodeTrace, "t2"},
	} {
		a, err := forward.NodeByKey(ctx, key.t, key.k)
		if err != nil || a == nil {
			t.Fatalf("forward node %s/%s missing: %v", key.t, key.k, err)
		}
		b, err := reverse.NodeByKey(ctx, key.t, key.k)
		if err != nil || b == nil {
			t.Fatalf("reverse node %s/%s missing: %v", key.t, key.k, err)
		}
		if a.ErrorCount != b.ErrorCount {
			t.Errorf("node %s/%s error count differs: %d vs %d", key.t, key.k, a.ErrorCount, b.ErrorCount)
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			t.Errorf("node %s/%s last seen differs: %v vs %v", key.t, key.k, a.LastSeen, b.LastSeen)
		}
	}
}
