package services

import (
	"fmt"
	"sync"
	"time"

	"puclima/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTService subscribes to the station topic and hands raw payloads on
type MQTTService struct {
	config  *config.Config
	client  mqtt.Client
	logger  *zap.Logger
	mu      sync.Mutex
	handler func(payload []byte)
}

// NewMQTTService prepares a client; call Connect to open the session
func NewMQTTService(cfg *config.Config, logger *zap.Logger) *MQTTService {
	m := &MQTTService{config: cfg, logger: logger}

	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	// A unique suffix keeps two running instances from kicking each other off
	clientID := fmt.Sprintf("%s-%s", cfg.MQTTClientID, uuid.NewString()[:8])

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker",
			zap.String("broker", broker),
			zap.String("client_id", clientID))
		// Clean sessions drop subscriptions on reconnect
		if err := m.subscribe(); err != nil {
			logger.Error("Failed to subscribe after connect", zap.Error(err))
		}
	}

	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	opts.OnReconnecting = func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("Reconnecting to MQTT broker", zap.String("broker", broker))
	}

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect opens the session, waiting at most timeout for the first attempt
func (m *MQTTService) Connect(timeout time.Duration) error {
	token := m.client.Connect()
	if !token.WaitTimeout(timeout) {
		m.logger.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", m.config.Broker),
			zap.Int("port", m.config.Port))
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Subscribe registers handler for every message on the configured topic.
// The subscription is renewed on each reconnect.
func (m *MQTTService) Subscribe(handler func(payload []byte)) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()

	if !m.client.IsConnectionOpen() {
		return nil
	}
	return m.subscribe()
}

func (m *MQTTService) subscribe() error {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return nil
	}

	token := m.client.Subscribe(m.config.Topic, m.config.MQTTQoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", m.config.Topic, err)
	}

	m.logger.Info("Subscribed to MQTT topic",
		zap.String("topic", m.config.Topic),
		zap.Uint8("qos", m.config.MQTTQoS))
	return nil
}

// IsConnected reports whether the session is currently open
func (m *MQTTService) IsConnected() bool {
	return m.client.IsConnectionOpen()
}

// Close unsubscribes and disconnects
func (m *MQTTService) Close() error {
	m.logger.Info("Closing MQTT connection")

	if m.client.IsConnectionOpen() {
		token := m.client.Unsubscribe(m.config.Topic)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			m.logger.Warn("Failed to unsubscribe cleanly", zap.Error(token.Error()))
		}
	}
	m.client.Disconnect(250)

	m.logger.Info("MQTT connection closed")
	return nil
}
