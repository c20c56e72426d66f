package graph

import (
	"context"
	"time"

	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/store"
)

// MergeEngine applies extractions to storage with bounded retries on
// transient transaction conflicts. Anything else fails through immediately;
// conflict exhaustion is classified so the coordinator dead-letters the
// record instead of retrying forever.
type MergeEngine struct {
	storage     store.GraphStorage
	isRetryable func(error) bool
	maxTries    int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewMergeEngineParams configures a MergeEngine. IsRetryable classifies
// storage errors worth retrying (serialization failures, deadlocks); nil
// means no error is retried. MaxTries below 1 defaults to 5.
type NewMergeEngineParams struct {
	Storage     store.GraphStorage
	IsRetryable func(error) bool
	MaxTries    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewMergeEngine(params NewMergeEngineParams) *MergeEngine {
	maxTries := params.MaxTries
	if maxTries < 1 {
		maxTries = 5
	}
	baseDelay := params.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	maxDelay := params.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &MergeEngine{
		storage:     params.Storage,
		isRetryable: params.IsRetryable,
		maxTries:    maxTries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// Apply merges one extraction into the graph. The returned result reports
// whether this was the record's first application.
func (m *MergeEngine) Apply(ctx context.Context, extraction common.Extraction) (store.ApplyResult, error) {
	var result store.ApplyResult

	retryable := m.isRetryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}

	err := util.RetryErrWithBackoff(ctx, m.maxTries, m.baseDelay, m.maxDelay, retryable,
		func(ctx context.Context) error {
			res, err := m.storage.ApplyExtraction(ctx, extraction)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	if err != nil {
		if m.isRetryable != nil && m.isRetryable(err) {
			return store.ApplyResult{}, common.E(common.KindStorageConflict,
				"merge retries exhausted for chunk "+extraction.Chunk.PublicID, err)
		}
		return store.ApplyResult{}, err
	}
	return result, nil
}
