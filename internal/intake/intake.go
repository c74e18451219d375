// Package intake feeds scan requests published on an AMQP queue into the
// request ledger.
//
// A message body is a JSON object naming the activity, the scanner and the
// targets:
//
//	{"activity":"scan","scanner":"tlsq","targets":["a.example","b.example"]}
//
// Malformed messages are rejected without requeue. Messages that could not be
// stored are requeued so another consumer can retry them.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/streadway/amqp"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics"
)

const prefetch = 10

// Requester stores scan requests. Implemented by db.QueueRepository.
type Requester interface {
	Request(ctx context.Context, activity db.Activity, scanner string, targets []string) (int, error)
}

var _ Requester = (*db.QueueRepository)(nil)

// Message is the body of one intake message.
type Message struct {
	Activity string   `json:"activity" validate:"required,oneof=discover verify scan"`
	Scanner  string   `json:"scanner" validate:"required"`
	Targets  []string `json:"targets" validate:"min=1,dive,required,max=253"`
}

// Decision is what happens to a delivery after handling.
type Decision int

const (
	Ack Decision = iota
	// Reject drops the message for good.
	Reject
	// Requeue hands the message back to the broker.
	Requeue
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	default:
		return "requeue"
	}
}

var validate = validator.New()

// Handler turns message bodies into scan requests.
type Handler struct {
	queue    Requester
	scanners map[string]bool
	logger   *logging.Logger
	metrics  metrics.Recorder
}

// NewHandler creates a handler accepting messages for the given scanners.
// An empty scanner list accepts any scanner.
func NewHandler(queue Requester, scanners []string, logger *logging.Logger, rec metrics.Recorder) *Handler {
	known := make(map[string]bool, len(scanners))
	for _, s := range scanners {
		known[s] = true
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		queue:    queue,
		scanners: known,
		logger:   logger.WithComponent("intake"),
		metrics:  metrics.OrNop(rec),
	}
}

// Parse decodes and validates a message body.
func (h *Handler) Parse(body []byte) (Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return h.Check(msg)
}

// Check normalizes the targets of msg and validates it.
func (h *Handler) Check(msg Message) (Message, error) {
	msg.Targets = append([]string(nil), msg.Targets...)
	for i, t := range msg.Targets {
		msg.Targets[i] = strings.ToLower(strings.TrimSpace(t))
	}
	if err := validate.Struct(msg); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	if len(h.scanners) > 0 && !h.scanners[msg.Scanner] {
		return Message{}, fmt.Errorf("unknown scanner %q", msg.Scanner)
	}
	return msg, nil
}

// Handle stores the requests carried by body and decides the fate of the
// delivery.
func (h *Handler) Handle(ctx context.Context, body []byte) Decision {
	msg, err := h.Parse(body)
	if err != nil {
		h.logger.Warn("Rejecting malformed intake message", "error", err, "size", len(body))
		return Reject
	}

	created, err := h.queue.Request(ctx, db.Activity(msg.Activity), msg.Scanner, msg.Targets)
	if err != nil {
		h.logger.Error("Failed to store intake requests, requeueing",
			"activity", msg.Activity, "scanner", msg.Scanner, "targets", len(msg.Targets), "error", err)
		return Requeue
	}
	h.metrics.AddRequests(msg.Activity, msg.Scanner, created)
	h.logger.Debug("Stored intake requests",
		"activity", msg.Activity, "scanner", msg.Scanner, "targets", len(msg.Targets), "created", created)
	return Ack
}

// Submit checks msg and stores its requests, returning how many rows were
// created.
func (h *Handler) Submit(ctx context.Context, msg Message) (int, error) {
	msg, err := h.Check(msg)
	if err != nil {
		return 0, err
	}
	created, err := h.queue.Request(ctx, db.Activity(msg.Activity), msg.Scanner, msg.Targets)
	if err != nil {
		return 0, err
	}
	h.metrics.AddRequests(msg.Activity, msg.Scanner, created)
	return created, nil
}

// acknowledger is the settle surface of amqp.Delivery.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func settle(d acknowledger, decision Decision) error {
	switch decision {
	case Ack:
		return d.Ack(false)
	case Reject:
		return d.Nack(false, false)
	default:
		return d.Nack(false, true)
	}
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, maximum time.Duration) Option {
	return func(c *Consumer) {
		c.minBackoff = initial
		c.maxBackoff = maximum
	}
}

// Consumer reads intake messages from one AMQP queue, reconnecting with
// capped exponential backoff when the broker goes away.
type Consumer struct {
	url        string
	queue      string
	handler    *Handler
	logger     *logging.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewConsumer creates a consumer for the configured queue.
func NewConsumer(cfg config.IntakeConfig, handler *Handler, opts ...Option) *Consumer {
	c := &Consumer{
		url:        cfg.URL,
		queue:      cfg.Queue,
		handler:    handler,
		logger:     handler.logger.WithFields("queue", cfg.Queue),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func nextBackoff(current, maximum time.Duration) time.Duration {
	return min(current*2, maximum)
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Intake stopped")
			return nil
		}
		if err != nil {
			c.logger.Warn("Intake connection failed, retrying", "error", err, "backoff", backoff)
		} else {
			c.logger.Info("Intake disconnected, reconnecting")
			backoff = c.minBackoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	q, err := ch.QueueDeclare(
		c.queue, // name
		true,    // durable
		false,   // auto-delete
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", c.queue, err)
	}

	msgs, err := ch.Consume(
		q.Name,       // queue
		"scanledger", // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return fmt.Errorf("register consumer on %q: %w", c.queue, err)
	}

	c.logger.Info("Connected to intake queue")
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("connection closed: %s", amqpErr.Error())
			}
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			decision := c.handler.Handle(ctx, d.Body)
			if err := settle(d, decision); err != nil {
				return fmt.Errorf("%s delivery: %w", decision, err)
			}
		}
	}
}
