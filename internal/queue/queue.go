// Package queue implements the Task Dispatch Fabric's optional broker
// path: a thin RabbitMQ-backed work queue carrying agent-generation
// handles, with retry via requeue and a dead-letter queue for handles
// that exhaust their retries. internal/room falls back to running
// agent tasks inline whenever no queue is configured or a publish
// fails, so this package is never a hard dependency of game
// correctness — only of how far from the room goroutine a generation
// task can be scheduled.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Task is a handle to one agent-generation closure registered with a
// Dispatcher (internal/queue/tasks.go): which room and agent it belongs
// to, and whether it is a message-generation or vote-generation task
// (mirroring the Message Generator / Vote Generator split, components
// H and I). The closure itself never crosses the wire — see
// TaskTypeAgentGeneration's doc comment.
type Task struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Retries   int       `json:"retries"`
	MaxRetry  int       `json:"max_retry"`
}

// TaskHandler handles task processing.
type TaskHandler func(ctx context.Context, task Task) (map[string]interface{}, error)

// Queue manages RabbitMQ task queue.
type Queue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	handlers   map[string]TaskHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	queueName  string
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Config for the queue.
type Config struct {
	URL        string
	QueueName  string
	Prefetch   int
	Logger     *slog.Logger
	RetryDelay time.Duration
	MaxRetries int
}

// New creates a new task queue.
func New(cfg Config) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.QueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	dlqName := cfg.QueueName + "_dlq"
	_, err = ch.QueueDeclare(dlqName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		conn:       conn,
		channel:    ch,
		handlers:   make(map[string]TaskHandler),
		logger:     logger,
		queueName:  cfg.QueueName,
		ctx:        ctx,
		cancelFunc: cancel,
	}, nil
}

// RegisterHandler registers a handler for a task type.
func (q *Queue) RegisterHandler(taskType string, handler TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = handler
}

// Publish publishes a task to the queue.
func (q *Queue) Publish(ctx context.Context, task Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.MaxRetry == 0 {
		task.MaxRetry = 3
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return q.channel.PublishWithContext(
		ctx,
		"",
		q.queueName,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			MessageId:    task.ID,
			Timestamp:    task.CreatedAt,
		},
	)
}

// Start starts consuming tasks.
func (q *Queue) Start(ctx context.Context) error {
	msgs, err := q.channel.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go q.processMessages(ctx, msgs)
	return nil
}

func (q *Queue) processMessages(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			q.processMessage(ctx, msg)
		}
	}
}

func (q *Queue) processMessage(ctx context.Context, msg amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		q.logger.Error("Failed to unmarshal task", "error", err)
		msg.Nack(false, false)
		return
	}

	q.mu.RLock()
	handler, ok := q.handlers[task.Type]
	q.mu.RUnlock()

	if !ok {
		q.logger.Error("No handler for task type", "type", task.Type)
		msg.Nack(false, false)
		return
	}

	start := time.Now()
	_, err := handler(ctx, task)
	duration := time.Since(start)

	if err != nil {
		q.logger.Error("agent generation task failed", "agent_id", task.AgentID, "kind", task.Kind, "room_id", task.RoomID, "error", err, "duration", duration)
		if task.Retries < task.MaxRetry {
			task.Retries++
			if rerr := q.Publish(ctx, task); rerr != nil {
				q.logger.Error("failed to requeue task", "agent_id", task.AgentID, "error", rerr)
			}
		} else {
			dlqName := q.queueName + "_dlq"
			q.channel.PublishWithContext(ctx, "", dlqName, false, false, amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
			})
		}
		msg.Nack(false, false)
		return
	}
	msg.Ack(false)
}

// Close closes the queue connection.
func (q *Queue) Close() error {
	q.cancelFunc()
	if err := q.channel.Close(); err != nil {
		return err
	}
	return q.conn.Close()
}
