// Package queue wraps the RabbitMQ transport: queue topology, publishing,
// and the retry/dead-letter flow shared by the worker and the generator.
package queue

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/obslens/tracegraph/internal/util"
	"github.com/obslens/tracegraph/pkg/logger"
)

// IngestQueue receives raw log records; MaxRetries bounds redeliveries
// through the retry queue before a message is dead-lettered.
const (
	IngestQueue = "ingest_queue"
	MaxRetries  = 10
)

func Init() *amqp091.Connection {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		user,
		pass,
		host,
		port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares each queue with its dead-letter and retry companions.
// The retry queue has a message TTL and dead-letters expired messages back to
// the main queue, giving delayed redelivery without a consumer.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	retryTTL := int32(util.GetEnvNumeric("QUEUE_RETRY_TTL_MS", 10000))

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             retryTTL,
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", retryName, err)
		}
	}

	return nil
}

// PublishFIFO publishes a persistent message directly to the named queue.
func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		q.Name,
		false,
		false,
		publishing,
	)
}

func retryCount(msg amqp091.Delivery) int {
	if msg.Headers == nil {
		return 0
	}
	switch v := msg.Headers["x-retries"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Requeue sends a message through the retry queue with an incremented retry
// counter, or to the dead-letter queue once MaxRetries is exceeded. The
// original delivery must be acked by the caller afterwards.
func Requeue(ch *amqp091.Channel, queueName string, msg amqp091.Delivery) error {
	retries := retryCount(msg) + 1

	target := queueName + "_retry"
	if retries > MaxRetries {
		target = queueName + "_dlq"
		logger.Warn("[Queue] Retries exhausted, dead-lettering", "queue", queueName, "retries", retries)
	}

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries)

	return ch.Publish(
		"",
		target,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
}

// DeadLetter sends a message straight to the dead-letter queue, bypassing
// retries. Used for malformed payloads that can never succeed.
func DeadLetter(ch *amqp091.Channel, queueName string, msg amqp091.Delivery, reason string) error {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-dead-letter-reason"] = reason

	return ch.Publish(
		"",
		queueName+"_dlq",
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
}
