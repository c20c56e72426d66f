package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/obslens/tracegraph/internal/aiclient"
	"github.com/obslens/tracegraph/internal/ingest"
	"github.com/obslens/tracegraph/internal/queue"
	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/graph"
	"github.com/obslens/tracegraph/pkg/logger"
	"github.com/obslens/tracegraph/pkg/logger/console"
	pgxstore "github.com/obslens/tracegraph/pkg/store/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := util.RunMigrations(util.GetEnvString("MIGRATIONS_PATH", "migrations"), databaseURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	// Init pgx client
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Failed to parse database config", "err", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	// GraphAiClient
	aiClient, err := aiclient.BuildFromEnv()
	if err != nil {
		logger.Fatal("Could not create AI client", "err", err)
	}

	storage := pgxstore.NewGraphDBStorage(pgConn)
	graphClient := graph.NewGraphClient(graph.NewGraphClientParams{
		Extractor: graph.NewLLMExtractor(graph.NewLLMExtractorParams{
			Client:  aiClient,
			Timeout: time.Duration(util.GetEnvNumeric("AI_EXTRACT_TIMEOUT_SEC", 30)) * time.Second,
		}),
		Merge: graph.NewMergeEngine(graph.NewMergeEngineParams{
			Storage:     storage,
			IsRetryable: pgxstore.IsConflict,
			MaxTries:    int(util.GetEnvNumeric("MERGE_MAX_TRIES", 5)),
		}),
		AIClient: aiClient,
		Storage:  storage,
	})

	lanes := int(util.GetEnvNumeric("INGEST_LANES", 4))
	coordinator := ingest.NewCoordinator(ingest.NewCoordinatorParams{
		Processor: graphClient,
		Lanes:     lanes,
	})
	coordinator.Start(ctx)

	// Init rabbitmq
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

	// Prefetch enough to keep every lane busy without hoarding deliveries.
	if err := ch.Qos(lanes*2, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := ch.Consume(
		queue.IngestQueue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		logger.Fatal("Failed to start consumer", "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.IngestQueue, "lanes", lanes)

	go func() {
		for msg := range msgs {
			handleDelivery(ctx, coordinator, ch, msg)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down worker")
	coordinator.Close()
}

// handleDelivery routes one delivery through the coordinator and settles it
// according to the outcome. Deliveries are always acked; redelivery goes
// through the retry queue so the x-retries counter survives.
func handleDelivery(ctx context.Context, coordinator *ingest.Coordinator, ch *amqp.Channel, msg amqp.Delivery) {
	coordinator.Dispatch(ctx, msg.Body, func(outcome ingest.Outcome) {
		switch outcome {
		case ingest.OutcomeCommitted:
			if err := msg.Ack(false); err != nil {
				logger.Error("[Worker] Failed to ack message", "err", err)
			}
		case ingest.OutcomeDeadLetter:
			if err := queue.DeadLetter(ch, queue.IngestQueue, msg, "unprocessable record"); err != nil {
				logger.Error("[Worker] Failed to dead-letter message", "err", err)
				_ = msg.Nack(false, true)
				return
			}
			_ = msg.Ack(false)
		case ingest.OutcomeRetry:
			if err := queue.Requeue(ch, queue.IngestQueue, msg); err != nil {
				logger.Error("[Worker] Failed to requeue message", "err", err)
				_ = msg.Nack(false, true)
				return
			}
			_ = msg.Ack(false)
		}
	})
}
