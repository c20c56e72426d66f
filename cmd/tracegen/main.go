// tracegen publishes synthetic distributed traces to the ingest queue. Each
// trace follows a scenario template in which a request fans out across
// services and, for failure scenarios, the error propagates back up the call
// chain. Useful for seeding a local graph without real telemetry.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/obslens/tracegraph/internal/queue"
	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/common"
	"github.com/obslens/tracegraph/pkg/logger"
	"github.com/obslens/tracegraph/pkg/logger/console"
)

// step is one hop in a scenario. Records are emitted in order with a small
// timestamp gap so downstream ordering by log_timestamp matches the story.
type step struct {
	service  string
	level    string
	message  string
	metadata []common.MetadataPair
}

type scenario struct {
	name  string
	steps []step
}

var scenarios = []scenario{
	{
		name: "successful checkout",
		steps: []step{
			{"OrderService", "INFO", "Received checkout request for cart",
				[]common.MetadataPair{{Key: "http.method", Value: "POST"}, {Key: "endpoint", Value: "/api/checkout"}}},
			{"PaymentGateway", "INFO", "Payment authorized",
				[]common.MetadataPair{{Key: "http.status", Value: "200"}}},
			{"InventoryDB", "INFO", "Reserved stock for order",
				[]common.MetadataPair{{Key: "db.statement", Value: "UPDATE inventory SET reserved = reserved + 1 WHERE sku = $1"}}},
			{"NotificationSvc", "INFO", "Order confirmation queued",
				[]common.MetadataPair{{Key: "queue", Value: "notifications"}}},
			{"OrderService", "INFO", "Checkout completed", nil},
		},
	},
	{
		name: "database connection refused",
		steps: []step{
			{"OrderService", "INFO", "Received checkout request for cart",
				[]common.MetadataPair{{Key: "http.method", Value: "POST"}, {Key: "endpoint", Value: "/api/checkout"}}},
			{"InventoryDB", "ERROR", "Connection refused by database host",
				[]common.MetadataPair{{Key: "db.statement", Value: "SELECT quantity FROM inventory WHERE sku = $1"}, {Key: "error", Value: "connection refused"}}},
			{"OrderService", "WARN", "Inventory lookup failed, retrying",
				[]common.MetadataPair{{Key: "retry", Value: "1"}}},
			{"InventoryDB", "ERROR", "Connection refused by database host",
				[]common.MetadataPair{{Key: "db.statement", Value: "SELECT quantity FROM inventory WHERE sku = $1"}, {Key: "error", Value: "connection refused"}}},
			{"OrderService", "ERROR", "Checkout aborted: inventory unavailable",
				[]common.MetadataPair{{Key: "http.status", Value: "503"}}},
		},
	},
	{
		name: "upstream timeout",
		steps: []step{
			{"AuthService", "INFO", "Validating session token",
				[]common.MetadataPair{{Key: "http.method", Value: "GET"}, {Key: "endpoint", Value: "/api/session"}}},
			{"PaymentGateway", "WARN", "Upstream acquirer responding slowly",
				[]common.MetadataPair{{Key: "endpoint", Value: "/v2/charge"}}},
			{"PaymentGateway", "ERROR", "Charge request timed out after 30s",
				[]common.MetadataPair{{Key: "error", Value: "context deadline exceeded"}, {Key: "endpoint", Value: "/v2/charge"}}},
			{"OrderService", "ERROR", "Payment failed for order",
				[]common.MetadataPair{{Key: "http.status", Value: "504"}}},
		},
	},
	{
		name: "invalid api key",
		steps: []step{
			{"AuthService", "WARN", "Request carried an expired API key",
				[]common.MetadataPair{{Key: "http.method", Value: "POST"}, {Key: "endpoint", Value: "/api/token"}}},
			{"AuthService", "ERROR", "Authentication rejected: invalid API key",
				[]common.MetadataPair{{Key: "http.status", Value: "401"}, {Key: "error", Value: "invalid api key"}}},
			{"NotificationSvc", "INFO", "Security alert queued for account owner",
				[]common.MetadataPair{{Key: "queue", Value: "security_alerts"}}},
		},
	},
	{
		name: "memory pressure",
		steps: []step{
			{"NotificationSvc", "WARN", "Heap usage above 90 percent",
				[]common.MetadataPair{{Key: "exception", Value: "memory pressure"}}},
			{"NotificationSvc", "CRITICAL", "Worker killed: out of memory",
				[]common.MetadataPair{{Key: "error", Value: "OOMKilled"}}},
			{"OrderService", "WARN", "Notification delivery degraded",
				[]common.MetadataPair{{Key: "queue", Value: "notifications"}}},
		},
	},
}

func main() {
	traces := flag.Int("traces", 20, "number of synthetic traces to publish")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed for scenario selection")
	flag.Parse()

	util.LoadEnv()
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	}))

	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.IngestQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	published := 0

	for i := 0; i < *traces; i++ {
		sc := scenarios[rng.Intn(len(scenarios))]
		records := buildTrace(rng, sc)

		for _, record := range records {
			body, err := json.Marshal(record)
			if err != nil {
				logger.Fatal("Failed to encode record", "err", err)
			}
			if err := queue.PublishFIFO(ch, queue.IngestQueue, body); err != nil {
				logger.Fatal("Failed to publish record", "err", err)
			}
			published++
		}
		logger.Info("[TraceGen] Published trace", "scenario", sc.name, "records", len(records))
	}

	logger.Info("[TraceGen] Done", "traces", *traces, "records", published)
}

// buildTrace instantiates one scenario as a full trace. Every service in the
// trace gets a stable synthetic pod, and timestamps walk forward from a point
// in the recent past so date-window queries have something to find.
func buildTrace(rng *rand.Rand, sc scenario) []common.LogRecord {
	traceID := uuid.NewString()
	start := time.Now().UTC().Add(-time.Duration(rng.Intn(72)) * time.Hour)

	pods := map[string]string{}
	podFor := func(service string) string {
		if pod, ok := pods[service]; ok {
			return pod
		}
		suffix, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
		if err != nil {
			suffix = fmt.Sprintf("%010d", rng.Intn(1_000_000_000))
		}
		pod := fmt.Sprintf("%s-%s", toPodPrefix(service), suffix)
		pods[service] = pod
		return pod
	}

	records := make([]common.LogRecord, 0, len(sc.steps))
	ts := start
	for _, s := range sc.steps {
		metadata := make([]common.MetadataPair, 0, len(s.metadata)+1)
		metadata = append(metadata, common.MetadataPair{Key: "pod_id", Value: podFor(s.service)})
		metadata = append(metadata, s.metadata...)

		records = append(records, common.LogRecord{
			TraceID:     traceID,
			ServiceName: s.service,
			Level:       s.level,
			Message:     s.message,
			Metadata:    metadata,
			Timestamp:   ts,
		})
		ts = ts.Add(time.Duration(50+rng.Intn(450)) * time.Millisecond)
	}
	return records
}

func toPodPrefix(service string) string {
	prefix := make([]rune, 0, len(service))
	for _, r := range service {
		if r >= 'A' && r <= 'Z' {
			if len(prefix) > 0 {
				prefix = append(prefix, '-')
			}
			prefix = append(prefix, r+('a'-'A'))
			continue
		}
		prefix = append(prefix, r)
	}
	return string(prefix)
}
