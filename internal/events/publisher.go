package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"falconeye/internal/entity"
	"falconeye/pkg/logging"
)

// Registry resolves an entity id to its declared state for topic routing.
type Registry interface {
	GetEntity(ctx context.Context, id string) (*entity.Entity, error)
}

// Config tunes the status uplink.
type Config struct {
	// Broker is the MQTT broker URL (tcp://host:port). Empty disables the
	// uplink entirely.
	Broker string

	// ClientID identifies this controller on the broker. Defaults to
	// falconeye-controller.
	ClientID string

	// TopicPrefix is the root of the status topic tree. Defaults to
	// falconeye.
	TopicPrefix string
}

// statusEvent is the JSON payload published on every status transition.
type statusEvent struct {
	EntityID   string `json:"entity_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	LastError  string `json:"last_error,omitempty"`
	Generation int64  `json:"generation"`
	Timestamp  string `json:"timestamp"`
}

// Publisher pushes entity status transitions to retained MQTT topics
// (<prefix>/<kind>/<id>/status) so dashboards see current state on subscribe
// without polling. A nil *Publisher is valid and publishes nothing.
type Publisher struct {
	client      mqtt.Client
	registry    Registry
	topicPrefix string
}

// NewPublisher connects to the broker. Returns (nil, nil) when the broker is
// unconfigured. Credentials come from MQTT_USERNAME / MQTT_PASSWORD in the
// environment.
func NewPublisher(config Config, reg Registry) (*Publisher, error) {
	if config.Broker == "" {
		return nil, nil
	}
	if config.ClientID == "" {
		config.ClientID = "falconeye-controller"
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "falconeye"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(os.Getenv("MQTT_PASSWORD"))
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	logging.Info("Events", "Connected to broker %s, prefix %s", config.Broker, config.TopicPrefix)
	return &Publisher{client: cli, registry: reg, topicPrefix: config.TopicPrefix}, nil
}

// StatusChanged implements registry.StatusListener. Publish failures are
// logged and dropped; the uplink is advisory and must never stall a
// reconcile worker.
func (p *Publisher) StatusChanged(entityID string, status entity.Status, lastError string) {
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, err := p.registry.GetEntity(ctx, entityID)
	if err != nil {
		logging.Debug("Events", "Skipping status event for %s: %v", entityID, err)
		return
	}

	payload, err := json.Marshal(statusEvent{
		EntityID:   e.ID,
		Kind:       string(e.Kind),
		Status:     string(status),
		LastError:  lastError,
		Generation: e.Generation,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	topic := fmt.Sprintf("%s/%s/%s/status", p.topicPrefix, e.Kind, e.ID)
	token := p.client.Publish(topic, 1, true, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		logging.Warn("Events", "Publish to %s failed: %v", topic, token.Error())
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
