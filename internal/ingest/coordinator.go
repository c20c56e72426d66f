// Package ingest contains the coordinator that fans incoming log records out
// to processing lanes. Records are partitioned by trace so each trace is
// processed by exactly one lane; unrelated traces proceed independently.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/logger"
)

// Outcome tells the transport what to do with the delivery.
type Outcome int

const (
	// OutcomeCommitted means the record's graph content is durable; ack.
	OutcomeCommitted Outcome = iota
	// OutcomeRetry means a transient failure; redeliver later.
	OutcomeRetry
	// OutcomeDeadLetter means the record can never succeed; park it.
	OutcomeDeadLetter
)

// Processor runs one record through the construction pipeline.
type Processor interface {
	ProcessRecord(ctx context.Context, record common.LogRecord) error
}

type task struct {
	record common.LogRecord
	done   func(Outcome)
}

// Coordinator owns a fixed set of lane goroutines. All records of one trace
// hash to the same lane, which serializes their merges without any
// cross-trace coordination.
type Coordinator struct {
	processor Processor
	lanes     []chan task
	wg        sync.WaitGroup
	closeOnce sync.Once

	// mu orders Dispatch sends against Close. The transport may still hold
	// deliveries when shutdown starts; those must settle as retries, not
	// land on a closed lane.
	mu     sync.RWMutex
	closed bool
}

// NewCoordinatorParams configures a Coordinator. Lanes below 1 defaults to 4,
// QueueDepth below 1 to 64.
type NewCoordinatorParams struct {
	Processor  Processor
	Lanes      int
	QueueDepth int
}

func NewCoordinator(params NewCoordinatorParams) *Coordinator {
	laneCount := params.Lanes
	if laneCount < 1 {
		laneCount = 4
	}
	depth := params.QueueDepth
	if depth < 1 {
		depth = 64
	}

	lanes := make([]chan task, laneCount)
	for i := range lanes {
		lanes[i] = make(chan task, depth)
	}
	return &Coordinator{
		processor: params.Processor,
		lanes:     lanes,
	}
}

// Start launches the lane goroutines. They drain their channels until Close.
func (c *Coordinator) Start(ctx context.Context) {
	for i, lane := range c.lanes {
		c.wg.Add(1)
		go func(laneID int, lane chan task) {
			defer c.wg.Done()
			for t := range lane {
				t.done(c.process(ctx, laneID, t.record))
			}
		}(i, lane)
	}
}

// Close stops accepting work and waits for in-flight records to finish.
// Dispatch calls arriving after Close settle with OutcomeRetry.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		for _, lane := range c.lanes {
			close(lane)
		}
	})
	c.wg.Wait()
}

// Dispatch decodes one delivery and routes it to its trace's lane. done is
// invoked exactly once with the delivery outcome, possibly before Dispatch
// returns for malformed payloads.
func (c *Coordinator) Dispatch(ctx context.Context, body []byte, done func(Outcome)) {
	var record common.LogRecord
	if err := json.Unmarshal(body, &record); err != nil {
		logger.Warn("[Ingest] Malformed record payload, dead-lettering", "err", err)
		done(OutcomeDeadLetter)
		return
	}
	if err := record.Validate(); err != nil {
		logger.Warn("[Ingest] Invalid record, dead-lettering", "err", err)
		done(OutcomeDeadLetter)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		logger.Warn("[Ingest] Dispatch after close, requeueing", "trace_id", record.TraceID)
		done(OutcomeRetry)
		return
	}

	lane := c.lanes[laneFor(record.TraceID, len(c.lanes))]
	select {
	case lane <- task{record: record, done: done}:
	case <-ctx.Done():
		done(OutcomeRetry)
	}
}

func laneFor(traceID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(traceID))
	return int(h.Sum32() % uint32(lanes))
}

func (c *Coordinator) process(ctx context.Context, laneID int, record common.LogRecord) Outcome {
	err := c.processor.ProcessRecord(ctx, record)
	if err == nil {
		logger.Debug("[Ingest] Record committed", "lane", laneID, "trace_id", record.TraceID)
		return OutcomeCommitted
	}

	switch {
	case common.IsKind(err, common.KindTransport):
		logger.Warn("[Ingest] Unprocessable record, dead-lettering", "lane", laneID, "trace_id", record.TraceID, "err", err)
		return OutcomeDeadLetter
	case common.IsKind(err, common.KindStorageConflict):
		logger.Error("[Ingest] Merge retries exhausted, dead-lettering", "lane", laneID, "trace_id", record.TraceID, "err", err)
		return OutcomeDeadLetter
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Warn("[Ingest] Processing interrupted, requeueing", "lane", laneID, "trace_id", record.TraceID)
		return OutcomeRetry
	default:
		logger.Error("[Ingest] Record processing failed, requeueing", "lane", laneID, "trace_id", record.TraceID, "err", err)
		return OutcomeRetry
	}
}
