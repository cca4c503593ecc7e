package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/cerrla/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTClient is the subset of the paho client the observer uses, so tests can
// substitute it.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTObserver publishes every event as JSON to <topic>/<run>/<kind>.
type MQTTObserver struct {
	cfg           config.MQTTConfig
	logger        *slog.Logger
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient

	mu     sync.Mutex
	client MQTTClient
}

// NewMQTTObserver creates an observer backed by the paho client.
func NewMQTTObserver(cfg config.MQTTConfig, logger *slog.Logger) *MQTTObserver {
	return NewMQTTObserverWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(opts)
	})
}

// NewMQTTObserverWithClient creates an observer with a custom client factory
// (for testing).
func NewMQTTObserverWithClient(cfg config.MQTTConfig, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTObserver {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("cerrla-%d", time.Now().UnixNano())
	}
	return &MQTTObserver{
		cfg:           cfg,
		logger:        logger.With("component", "mqtt"),
		clientFactory: clientFactory,
	}
}

// Connect dials the broker.
func (m *MQTTObserver) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})

	client := m.clientFactory(opts)
	m.logger.Info("connecting to mqtt broker", "broker", m.cfg.Broker)
	token := client.Connect()
	if err := waitToken(ctx, token, connectTimeout); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

// Observe publishes ev. Failures are logged, never returned: telemetry must
// not stop a run.
func (m *MQTTObserver) Observe(ctx context.Context, ev Event) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("marshal event", "error", err)
		return
	}
	topic := fmt.Sprintf("%s/%s/%s", m.cfg.Topic, ev.RunID, ev.Kind)
	token := client.Publish(topic, m.cfg.QoS, ev.Kind == KindFinished, payload)
	if err := waitToken(ctx, token, publishTimeout); err != nil {
		m.logger.Warn("publish event", "topic", topic, "error", err)
	}
}

// Close disconnects from the broker.
func (m *MQTTObserver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timeout after %s", timeout)
	}
	return token.Error()
}
