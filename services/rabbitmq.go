package services

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"puclima/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// mqttExchange is where the RabbitMQ MQTT plugin publishes device messages
const mqttExchange = "amq.topic"

// RabbitMQService consumes device payloads that the broker's MQTT plugin
// routes from the station topic into a durable queue
type RabbitMQService struct {
	config     *config.Config
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
	routingKey string
	reconnect  chan bool
	isClosing  atomic.Bool
}

// NewRabbitMQService creates a new RabbitMQ service instance
func NewRabbitMQService(cfg *config.Config, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:     cfg,
		logger:     logger,
		routingKey: TopicRoutingKey(cfg.Topic),
		reconnect:  make(chan bool, 1),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	// Setup connection close notification
	go service.handleReconnect()

	return service, nil
}

// TopicRoutingKey converts an MQTT topic filter into the AMQP binding key the
// MQTT plugin uses: levels separated by dots, + and # become * and #
func TopicRoutingKey(topic string) string {
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		if level == "+" {
			levels[i] = "*"
		}
	}
	return strings.Join(levels, ".")
}

// connect establishes connection to RabbitMQ and declares the queue
func (r *RabbitMQService) connect() error {
	var err error

	r.logger.Info("Connecting to RabbitMQ", zap.String("queue", r.config.RabbitMQQueue))

	// Connect to RabbitMQ with retry
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		r.conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.logger.Info("Connected to RabbitMQ successfully")

	r.channel, err = r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// Prefetch is kept small; ordering is restored per device by the dispatcher
	if err := r.channel.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	queue, err := r.channel.QueueDeclare(
		r.config.RabbitMQQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	r.logger.Info("Queue declared", zap.String("queue", queue.Name))

	err = r.channel.QueueBind(
		queue.Name,   // queue name
		r.routingKey, // routing key (MQTT topic)
		mqttExchange, // MQTT default exchange
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue to MQTT exchange: %w", err)
	}

	r.logger.Info("Queue bound to MQTT exchange",
		zap.String("queue", queue.Name),
		zap.String("exchange", mqttExchange),
		zap.String("routing_key", r.routingKey))

	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (r *RabbitMQService) handleReconnect() {
	for {
		closeErr := <-r.conn.NotifyClose(make(chan *amqp.Error, 1))
		if r.isClosing.Load() {
			r.logger.Info("RabbitMQ connection closed gracefully")
			return
		}

		r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

		for {
			r.logger.Info("Attempting to reconnect to RabbitMQ...")
			err := r.connect()
			if err == nil {
				r.logger.Info("Successfully reconnected to RabbitMQ")
				select {
				case r.reconnect <- true:
				default:
				}
				break
			}

			r.logger.Error("Failed to reconnect", zap.Error(err))
			time.Sleep(5 * time.Second)

			if r.isClosing.Load() {
				return
			}
		}
	}
}

// Consume hands every delivery body to handler until ctx is done. Deliveries
// are acknowledged once handed off; a payload is never requeued.
func (r *RabbitMQService) Consume(ctx context.Context, handler func(payload []byte)) error {
	for {
		msgs, err := r.channel.Consume(
			r.config.RabbitMQQueue, // queue
			r.config.MQTTClientID,  // consumer tag
			false,                  // auto-ack (false = manual ack)
			false,                  // exclusive
			false,                  // no-local
			false,                  // no-wait
			nil,                    // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming messages from RabbitMQ",
			zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					select {
					case <-ctx.Done():
						return nil
					case <-r.reconnect:
					}
					break consumeLoop
				}

				handler(msg.Body)

				if err := msg.Ack(false); err != nil {
					r.logger.Error("Failed to acknowledge message",
						zap.String("routing_key", msg.RoutingKey),
						zap.Error(err))
				}
			}
		}
	}
}

// Publish sends a raw payload the way the MQTT plugin would
func (r *RabbitMQService) Publish(ctx context.Context, payload []byte) error {
	err := r.channel.PublishWithContext(ctx,
		mqttExchange, // exchange
		r.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	r.logger.Debug("Published payload to RabbitMQ", zap.String("routing_key", r.routingKey))
	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
