package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig holds broker settings for the MQTT notifier.
type MQTTConfig struct {
	Broker   string // e.g. mqtt://host:1883 or mqtts://host:8883
	Username string
	Password string
	ClientID string
	Topic    string // topic prefix, default "orion/notify"
}

// MQTT publishes notifications to <topic>/<user_id> for home
// automation and dashboard consumers.
type MQTT struct {
	cfg    MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTT connects to the broker and returns the notifier. The
// connection manager reconnects on its own until ctx is cancelled.
func NewMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "orion/notify"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "orion-notify"
	}

	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", cfg.Broker)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &MQTT{cfg: cfg, logger: logger, cm: cm}, nil
}

// Name implements Notifier.
func (m *MQTT) Name() string { return "mqtt" }

// Notify implements Notifier.
func (m *MQTT) Notify(ctx context.Context, userID, message string) error {
	payload, err := json.Marshal(map[string]any{
		"user_id":   userID,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := m.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt not connected: %w", err)
	}
	_, err = m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic + "/" + userID,
		QoS:     1,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close(ctx context.Context) error {
	return m.cm.Disconnect(ctx)
}
