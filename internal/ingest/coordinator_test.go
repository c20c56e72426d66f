package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/obslens/tracegraph/pkg/common"
)

// recordingProcessor captures the order of records per trace and returns a
// scripted error per call.
type recordingProcessor struct {
	mu      sync.Mutex
	byTrace map[string][]string
	errFn   func(record common.LogRecord) error
}

func (p *recordingProcessor) ProcessRecord(ctx context.Context, record common.LogRecord) error {
	p.mu.Lock()
	if p.byTrace == nil {
		p.byTrace = make(map[string][]string)
	}
	p.byTrace[record.TraceID] = append(p.byTrace[record.TraceID], record.Message)
	p.mu.Unlock()

	if p.errFn != nil {
		return p.errFn(record)
	}
	return nil
}

func payload(t *testing.T, traceID, message string) []byte {
	t.Helper()
	body, err := json.Marshal(common.LogRecord{
		TraceID:     traceID,
		ServiceName: "svc-a",
		Level:       "INFO",
		Message:     message,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func dispatchAndWait(t *testing.T, c *Coordinator, body []byte) Outcome {
	t.Helper()
	result := make(chan Outcome, 1)
	c.Dispatch(context.Background(), body, func(o Outcome) { result <- o })
	select {
	case o := <-result:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch outcome timed out")
		return OutcomeRetry
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	c := NewCoordinator(NewCoordinatorParams{Processor: &recordingProcessor{}})
	c.Start(context.Background())
	defer c.Close()

	if got := dispatchAndWait(t, c, []byte("{not json")); got != OutcomeDeadLetter {
		t.Errorf("malformed payload outcome = %v, want dead-letter", got)
	}

	missing, _ := json.Marshal(common.LogRecord{ServiceName: "svc-a"})
	if got := dispatchAndWait(t, c, missing); got != OutcomeDeadLetter {
		t.Errorf("missing trace_id outcome = %v, want dead-letter", got)
	}
}

func TestDispatchCommits(t *testing.T) {
	proc := &recordingProcessor{}
	c := NewCoordinator(NewCoordinatorParams{Processor: proc})
	c.Start(context.Background())
	defer c.Close()

	if got := dispatchAndWait(t, c, payload(t, "t1", "m1")); got != OutcomeCommitted {
		t.Errorf("outcome = %v, want committed", got)
	}
}

func TestPerTraceOrdering(t *testing.T) {
	proc := &recordingProcessor{
		errFn: func(record common.LogRecord) error {
			time.Sleep(time.Millisecond)
			return nil
		},
	}
	c := NewCoordinator(NewCoordinatorParams{Processor: proc, Lanes: 4})
	c.Start(context.Background())

	messages := []string{"m1", "m2", "m3", "m4", "m5"}
	var wg sync.WaitGroup
	for _, m := range messages {
		wg.Add(2)
		for _, trace := range []string{"trace-a", "trace-b"} {
			c.Dispatch(context.Background(), payload(t, trace, m), func(Outcome) { wg.Done() })
		}
	}
	wg.Wait()
	c.Close()

	for _, trace := range []string{"trace-a", "trace-b"} {
		got := proc.byTrace[trace]
		if len(got) != len(messages) {
			t.Fatalf("trace %s processed %d records, want %d", trace, len(got), len(messages))
		}
		for i, m := range messages {
			if got[i] != m {
				t.Errorf("trace %s order[%d] = %s, want %s", trace, i, got[i], m)
			}
		}
	}
}

func TestOutcomeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil commits", nil, OutcomeCommitted},
		{"transport dead-letters", common.E(common.KindTransport, "bad record", nil), OutcomeDeadLetter},
		{"conflict exhaustion dead-letters", common.E(common.KindStorageConflict, "exhausted", nil), OutcomeDeadLetter},
		{"transient error retries", errors.New("db down"), OutcomeRetry},
		{"cancellation retries", context.Canceled, OutcomeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &recordingProcessor{errFn: func(common.LogRecord) error { return tt.err }}
			c := NewCoordinator(NewCoordinatorParams{Processor: proc, Lanes: 1})
			c.Start(context.Background())
			defer c.Close()

			if got := dispatchAndWait(t, c, payload(t, "t1", "m1")); got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatchAfterCloseRequeues(t *testing.T) {
	proc := &recordingProcessor{}
	c := NewCoordinator(NewCoordinatorParams{Processor: proc, Lanes: 2})
	c.Start(context.Background())
	c.Close()

	// The transport can still hold deliveries when shutdown starts; they
	// must settle as retries instead of landing on a closed lane.
	if got := dispatchAndWait(t, c, payload(t, "t1", "late delivery")); got != OutcomeRetry {
		t.Errorf("outcome after close = %v, want retry", got)
	}
	if len(proc.byTrace) != 0 {
		t.Errorf("late delivery must not be processed, got %v", proc.byTrace)
	}
}

func TestLaneRoutingIsStable(t *testing.T) {
	for _, trace := range []string{"t1", "trace-abc", "0af7651916cd43dd8448eb211c80319c"} {
		a := laneFor(trace, 8)
		for i := 0; i < 10; i++ {
			if laneFor(trace, 8) != a {
				t.Fatalf("lane for %s not stable", trace)
			}
		}
	}
}
