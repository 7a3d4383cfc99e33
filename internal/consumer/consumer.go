package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/processor"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	handoffTimeout       = 30 * time.Second
)

// Consumer reads ad-view messages from RabbitMQ and hands them to the batch
// processor, which acks them once the view is credited. Messages that can
// never be credited are rejected here; with a dead letter exchange configured
// they are parked on "<queue>.dead".
type Consumer struct {
	cfg     config.RabbitConfig
	log     *logrus.Logger
	updates chan<- processor.IncomingUpdate
	handoff time.Duration

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received  atomic.Int64
	malformed atomic.Int64
	forwarded atomic.Int64
	requeued  atomic.Int64
}

// Stats counts deliveries since the consumer was created.
type Stats struct {
	Received  int64
	Malformed int64
	Forwarded int64
	Requeued  int64
}

func New(cfg config.RabbitConfig, log *logrus.Logger, updates chan<- processor.IncomingUpdate) (*Consumer, error) {
	c := newConsumer(cfg, log, updates)
	if err := c.connect(); err != nil {
		c.cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

func newConsumer(cfg config.RabbitConfig, log *logrus.Logger, updates chan<- processor.IncomingUpdate) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:     cfg,
		log:     log,
		updates: updates,
		handoff: handoffTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL())
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := c.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"host":        c.cfg.Host,
		"queue":       c.cfg.Queue,
		"dead_letter": c.cfg.DeadLetterExchange,
	}).Info("connected to RabbitMQ")

	go c.monitorConnection(conn)

	return nil
}

// declare sets up the ad-view queue and the prefetch window.
func (c *Consumer) declare(ch *amqp.Channel) error {
	var args amqp.Table
	if dlx := c.cfg.DeadLetterExchange; dlx != "" {
		if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead letter exchange: %w", err)
		}
		dead := c.cfg.Queue + ".dead"
		if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead letter queue: %w", err)
		}
		if err := ch.QueueBind(dead, "", dlx, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead letter queue: %w", err)
		}
		args = amqp.Table{"x-dead-letter-exchange": dlx}
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (c *Consumer) monitorConnection(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-closed:
		if err != nil {
			c.log.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			c.reconnect()
		}
	case <-c.ctx.Done():
	}
}

func (c *Consumer) reconnect() {
	c.closeConn()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		c.log.WithField("attempt", attempt).Info("attempting to reconnect to RabbitMQ")

		if err := c.connect(); err == nil {
			c.log.Info("successfully reconnected to RabbitMQ")
			go func() {
				if err := c.Start(c.ctx); err != nil && c.ctx.Err() == nil {
					c.log.WithError(err).Error("failed to restart consumer after reconnect")
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("reconnection failed, retrying")

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	c.log.Error("max reconnection attempts reached, giving up")
}

// Start consumes until ctx is done or the broker closes the delivery channel.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.run(ctx, msgs)
	return nil
}

// run fans msgs out to the configured workers and returns once they have
// all stopped.
func (c *Consumer) run(ctx context.Context, msgs <-chan amqp.Delivery) {
	c.wg.Add(1)
	defer c.wg.Done()

	workers := max(c.cfg.Workers, 1)
	c.log.WithField("workers", workers).Info("starting consumer workers")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, msgs, id)
		}(i)
	}
	wg.Wait()

	c.log.WithFields(c.Stats().fields()).Info("consumer workers stopped")
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.log.WithField("worker_id", workerID).Warn("message channel closed")
				return
			}
			c.handle(ctx, msg, workerID)
		}
	}
}

// handle settles malformed deliveries itself and passes the rest on. The
// processor owns the ack from then on.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery, workerID int) {
	c.received.Add(1)

	payload, err := Decode(msg.Body)
	if err != nil {
		c.malformed.Add(1)
		c.log.WithFields(logrus.Fields{
			"worker_id":   workerID,
			"message_id":  msg.MessageId,
			"redelivered": msg.Redelivered,
			"error":       err,
			"body":        string(msg.Body),
		}).Error("rejecting malformed ad view message")
		_ = msg.Reject(false)
		return
	}

	// without an upstream event id, the broker message id keeps
	// redeliveries of the same message idempotent
	if payload.EventID == "" {
		payload.EventID = msg.MessageId
	}

	ctx, cancel := context.WithTimeout(ctx, c.handoff)
	defer cancel()

	select {
	case c.updates <- processor.IncomingUpdate{Payload: payload, Delivery: msg}:
		c.forwarded.Add(1)
		c.log.WithFields(logrus.Fields{
			"worker_id": workerID,
			"user_id":   payload.UserID,
			"event_id":  payload.EventID,
		}).Debug("message sent to processor")
	case <-ctx.Done():
		c.requeued.Add(1)
		c.log.WithFields(logrus.Fields{
			"worker_id": workerID,
			"event_id":  payload.EventID,
		}).Warn("processor busy, message requeued")
		_ = msg.Nack(false, true)
	}
}

// Decode parses and validates an ad-view message body.
func Decode(body []byte) (processor.AdViewMessage, error) {
	var payload processor.AdViewMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return payload, err
	}
	return payload, nil
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Malformed: c.malformed.Load(),
		Forwarded: c.forwarded.Load(),
		Requeued:  c.requeued.Load(),
	}
}

func (s Stats) fields() logrus.Fields {
	return logrus.Fields{
		"received":  s.Received,
		"malformed": s.Malformed,
		"forwarded": s.Forwarded,
		"requeued":  s.Requeued,
	}
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Consumer) Close() {
	c.cancel()
	c.wg.Wait()
	c.closeConn()

	c.log.WithFields(c.Stats().fields()).Info("consumer closed")
}
