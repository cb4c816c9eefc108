package regenerate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

const contentTypeJson = "application/json"

// ErrClientClosed is returned by calls on a closed rpc client.
var ErrClientClosed = errors.New("regenerate rpc client is closed")

// Channel is the subset of *amqp.Channel used by the rpc client and consumer.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// Client calls the regenerate operation of a remote worker over amqp.
// It satisfies backfill.Regenerator.
type Client interface {
	Regenerate(ctx context.Context, ownerId string, ids []string) ([]api.RegenerateResult, error)
}

// NewClient creates a new rpc Client publishing to queue. It declares an exclusive
// reply queue and starts routing replies by correlation id until the channel closes.
func NewClient(ch Channel, queue string) (Client, error) {

	reply, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare regenerate reply queue: %v", err)
	}

	deliveries, err := ch.Consume(reply.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume regenerate reply queue %s: %v", reply.Name, err)
	}

	c := &client{
		ch:      ch,
		queue:   queue,
		replyTo: reply.Name,
		pending: make(map[string]chan amqp.Delivery),
		closed:  make(chan struct{}),

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageRegenerate)).
			With(slog.String(util.ComponentKey, util.ComponentRegenerateRpc)),
	}

	go c.route(deliveries)

	return c, nil
}

var _ Client = (*client)(nil)

type client struct {
	ch      Channel
	queue   string
	replyTo string

	mu      sync.Mutex
	pending map[string]chan amqp.Delivery // correlation id -> waiting call
	closed  chan struct{}

	logger *slog.Logger
}

// route hands each reply to the call waiting on its correlation id.
func (c *client) route(deliveries <-chan amqp.Delivery) {

	defer close(c.closed)

	for d := range deliveries {

		c.mu.Lock()
		wait, ok := c.pending[d.CorrelationId]
		delete(c.pending, d.CorrelationId)
		c.mu.Unlock()

		if !ok {
			c.logger.Warn(fmt.Sprintf("dropped regenerate reply with unknown correlation id %s", d.CorrelationId))
			continue
		}

		wait <- d
	}

	c.logger.Warn("regenerate reply queue closed")
}

// Regenerate is the concrete implementation of the interface method.
func (c *client) Regenerate(ctx context.Context, ownerId string, ids []string) ([]api.RegenerateResult, error) {

	req := api.RegenerateRequest{OwnerId: ownerId, PhotoIds: ids}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal regenerate request: %v", err)
	}

	correlationId := uuid.NewString()
	wait := make(chan amqp.Delivery, 1)

	c.mu.Lock()
	c.pending[correlationId] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationId)
		c.mu.Unlock()
	}()

	msg := amqp.Publishing{
		ContentType:   contentTypeJson,
		CorrelationId: correlationId,
		ReplyTo:       c.replyTo,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}

	// expire the request with the caller's deadline
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 {
			msg.Expiration = fmt.Sprintf("%d", ms)
		}
	}

	if err := c.ch.PublishWithContext(ctx, "", c.queue, false, false, msg); err != nil {
		return nil, fmt.Errorf("failed to publish regenerate request to %s: %v", c.queue, err)
	}

	select {
	case d := <-wait:
		var resp api.RegenerateResponse
		if err := json.Unmarshal(d.Body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal regenerate response: %v", err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("remote regenerate failed: %s", resp.Error)
		}
		return resp.Results, nil

	case <-c.closed:
		return nil, ErrClientClosed

	case <-ctx.Done():
		return nil, fmt.Errorf("regenerate request %s: %v", correlationId, ctx.Err())
	}
}

// Consumer serves regenerate requests from the queue.
type Consumer interface {

	// Consume declares the queue and serves requests until ctx is done or the
	// delivery channel closes. Messages are acked after the reply is published.
	Consume(ctx context.Context) error
}

// NewConsumer creates a new Consumer answering requests with the service.
func NewConsumer(ch Channel, queue string, svc Service) Consumer {
	return &consumer{
		ch:    ch,
		queue: queue,
		svc:   svc,

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageRegenerate)).
			With(slog.String(util.ComponentKey, util.ComponentRegenerateConsumer)),
	}
}

var _ Consumer = (*consumer)(nil)

type consumer struct {
	ch    Channel
	queue string
	svc   Service

	logger *slog.Logger
}

// Consume is the concrete implementation of the interface method.
func (c *consumer) Consume(ctx context.Context) error {

	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare regenerate queue %s: %v", c.queue, err)
	}

	// one unacked request per consumer
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set regenerate consumer prefetch: %v", err)
	}

	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume regenerate queue %s: %v", c.queue, err)
	}

	c.logger.Info(fmt.Sprintf("consuming regenerate requests from queue %s", c.queue))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("regenerate consumer shutting down")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("regenerate queue %s delivery channel closed", c.queue)
			}
			c.handle(ctx, d)
		}
	}
}

// handle serves one request. Malformed requests are answered with an error and
// dropped; a reply that cannot be published requeues the request.
func (c *consumer) handle(ctx context.Context, d amqp.Delivery) {

	telemetry := &connect.Telemetry{
		Traceparent: *connect.GenerateTraceParent(),
	}
	log := c.logger.With(telemetry.TelemetryFields()...)

	var resp api.RegenerateResponse

	var req api.RegenerateRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		log.Error("failed to unmarshal regenerate request", "err", err.Error())
		resp.Error = "malformed regenerate request"
	} else if err := req.Validate(); err != nil {
		log.Error("invalid regenerate request", "err", err.Error())
		resp.Error = err.Error()
	} else {
		results, err := c.svc.Regenerate(ctx, req.OwnerId, req.PhotoIds)
		if err != nil {
			log.Error(fmt.Sprintf("failed to regenerate %d photos", len(req.PhotoIds)), "err", err.Error())
			resp.Error = err.Error()
		}
		resp.Results = results
	}

	if d.ReplyTo == "" {
		log.Warn(fmt.Sprintf("regenerate request %s has no reply queue", d.CorrelationId))
		_ = d.Ack(false)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed to marshal regenerate response", "err", err.Error())
		_ = d.Nack(false, false)
		return
	}

	if err := c.ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   contentTypeJson,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}); err != nil {
		log.Error(fmt.Sprintf("failed to publish regenerate reply to %s", d.ReplyTo), "err", err.Error())
		_ = d.Nack(false, true)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error("failed to ack regenerate request", "err", err.Error())
	}
}
