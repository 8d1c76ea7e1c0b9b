package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"belated/metrics"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Message is one delivery handed to a callback.
type Message struct {
	Body        []byte
	RoutingKey  string
	ContentType string
	Timestamp   time.Time
	Redelivered bool
}

// CallbackFunc processes a message. Return nil to ack, Permanent(err) to drop
// the message, or any other error to have it redelivered once.
type CallbackFunc func(ctx context.Context, msg *Message) error

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const maxBackoff = 30 * time.Second

// Subscriber consumes one durable queue bound to a direct exchange and
// dispatches deliveries to a bounded pool of workers.
type Subscriber struct {
	amqpURL  string
	exchange string
	queue    string
	workers  int

	conn    *amqp.Connection
	channel *amqp.Channel
	// opMu serializes operations on channel, which is not safe for concurrent use.
	opMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	connected atomic.Bool
}

// NewSubscriber connects right away so a wrong URL fails at startup.
func NewSubscriber(amqpURL, exchange, queue string, workers int) (*Subscriber, error) {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchange,
		queue:    queue,
		workers:  workers,
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.opMu.Lock()
	err := s.reconnectLocked()
	s.opMu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) setConnected(v bool) {
	s.connected.Store(v)
	if v {
		metrics.RabbitMQConnected.Set(1)
	} else {
		metrics.RabbitMQConnected.Set(0)
	}
}

// reconnectLocked replaces the connection and channel and declares the
// exchange and queue. Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked() error {
	s.closeLocked()

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		s.setConnected(false)
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		s.setConnected(false)
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.setConnected(false)
		return fmt.Errorf("failed to declare exchange %s: %w", s.exchange, err)
	}
	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.setConnected(false)
		return fmt.Errorf("failed to declare queue %s: %w", s.queue, err)
	}
	s.queue = q.Name
	s.conn = conn
	s.channel = ch
	s.setConnected(true)
	return nil
}

func (s *Subscriber) closeLocked() error {
	var err error
	if s.channel != nil {
		err = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil && err == nil {
			err = connErr
		}
		s.conn = nil
	}
	return err
}

// consumeLocked applies QoS and bindings on the current channel and starts
// consuming. Caller must hold s.opMu.
func (s *Subscriber) consumeLocked(routingKeys []string) (<-chan amqp.Delivery, error) {
	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		if err := s.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	if err := s.channel.Qos(s.workers, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	for _, key := range routingKeys {
		if err := s.channel.QueueBind(s.queue, key, s.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind routing key %s: %w", key, err)
		}
	}
	return s.channel.Consume(s.queue, "", false, false, false, false, nil)
}

// Start begins consuming. The consume loop reconnects with exponential
// backoff whenever the broker closes the delivery channel.
func (s *Subscriber) Start(callbacks map[string]CallbackFunc) {
	s.startOnce.Do(func() {
		routingKeys := make([]string, 0, len(callbacks))
		for key := range callbacks {
			routingKeys = append(routingKeys, key)
		}

		jobs := make(chan amqp.Delivery, s.workers)
		for i := 0; i < s.workers; i++ {
			workerId := i + 1
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				for delivery := range jobs {
					s.handle(workerId, delivery, callbacks)
				}
			}()
		}

		go func() {
			defer close(jobs)
			backoff := time.Second
			for {
				s.opMu.Lock()
				msgs, err := s.consumeLocked(routingKeys)
				s.opMu.Unlock()
				if err != nil {
					s.setConnected(false)
					log.WithError(err).WithField("queue", s.queue).Warn("rabbitmq consume failed, retrying")
					if !s.sleep(backoff) {
						return
					}
					backoff = nextBackoff(backoff)
					continue
				}
				log.Infof("Consuming invites from exchange=%s queue=%s workers=%d", s.exchange, s.queue, s.workers)
				backoff = time.Second

				if !s.pump(msgs, jobs) {
					return
				}
				s.setConnected(false)
				log.Warnf("rabbitmq delivery channel closed queue=%s, reconnecting", s.queue)
				if !s.sleep(backoff) {
					return
				}
				backoff = nextBackoff(backoff)
			}
		}()
	})
}

// pump forwards deliveries to the workers. It returns false once the
// subscriber is closed and true when the broker closed the channel.
func (s *Subscriber) pump(msgs <-chan amqp.Delivery, jobs chan<- amqp.Delivery) bool {
	for {
		select {
		case <-s.done:
			return false
		case delivery, ok := <-msgs:
			if !ok {
				return true
			}
			select {
			case jobs <- delivery:
			case <-s.done:
				return false
			}
		}
	}
}

func (s *Subscriber) sleep(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// handle runs the callback for one delivery and acks or nacks it afterwards.
func (s *Subscriber) handle(workerId int, delivery amqp.Delivery, callbacks map[string]CallbackFunc) {
	startedAt := time.Now()
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	entry := log.WithFields(log.Fields{
		"worker_id":    workerId,
		"routing_key":  delivery.RoutingKey,
		"delivery_tag": delivery.DeliveryTag,
		"redelivered":  delivery.Redelivered,
	})

	result := "success"
	var callbackErr error
	callback, ok := callbacks[delivery.RoutingKey]
	if !ok {
		result = "permanent_error"
		callbackErr = fmt.Errorf("no callback for routing key %q", delivery.RoutingKey)
	} else {
		var panicked bool
		panicked, callbackErr = s.invoke(callback, &Message{
			Body:        delivery.Body,
			RoutingKey:  delivery.RoutingKey,
			ContentType: delivery.ContentType,
			Timestamp:   delivery.Timestamp,
			Redelivered: delivery.Redelivered,
		})
		switch {
		case panicked:
			result = "panic"
		case callbackErr == nil:
		case isPermanent(callbackErr):
			result = "permanent_error"
		default:
			result = "transient_error"
		}
	}

	// Transient failures get one more delivery; after that the message is dropped.
	requeue := result == "transient_error" && !delivery.Redelivered

	s.opMu.Lock()
	var settleErr error
	if callbackErr == nil {
		settleErr = delivery.Ack(false)
	} else {
		settleErr = delivery.Nack(false, requeue)
	}
	s.opMu.Unlock()

	metrics.InvitesProcessedTotal.WithLabelValues(result).Inc()
	metrics.InviteProcessingDurationSeconds.WithLabelValues(result).Observe(time.Since(startedAt).Seconds())

	entry = entry.WithField("duration_ms", time.Since(startedAt).Milliseconds())
	if settleErr != nil {
		entry.WithError(settleErr).Error("Failed to settle delivery")
	}
	if callbackErr != nil {
		entry.WithError(callbackErr).WithField("requeue", requeue).Warnf("Delivery failed (%s)", result)
		return
	}
	entry.Debug("Delivery processed")
}

func (s *Subscriber) invoke(callback CallbackFunc, msg *Message) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return false, callback(s.ctx, msg)
}

// UnmarshalTo unmarshals the JSON message body into v.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Close stops consuming, waits for in-flight deliveries and closes the connection.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	s.wg.Wait()
	s.cancel()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	err := s.closeLocked()
	if err != nil {
		log.WithError(err).Warn("Failed to close RabbitMQ connection")
	}
	s.setConnected(false)
	return err
}

func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}
