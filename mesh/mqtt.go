package mesh

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/kabschmesh/kabsch"
)

// PayloadKind says which point set a message replaces
type PayloadKind string

const (
	PayloadTarget    PayloadKind = "target"
	PayloadReference PayloadKind = "reference"
)

// MessageHandler is called for every point set received.
// points is nil and err set when the payload could not be decoded.
type MessageHandler func(rigID string, kind PayloadKind, points []kabsch.Point, err error)

// MQTTClient manages the broker connection and rig subscriptions
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	isConnected    bool
	mu             sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT creates the global MQTT client and starts connecting in the
// background. If no broker is configured (MQTT_BROKER or mqtt.broker), MQTT
// is disabled and this returns nil, nil.
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Rigs) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no rig configuration provided")
	}
	if !hasTopics(config) {
		return nil, fmt.Errorf("MQTT enabled but no rig has a topic")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "kabschmesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(true)  // target updates for a rig must apply in order

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

func hasTopics(config *Config) bool {
	for _, rc := range config.Rigs {
		if rc.Topic != "" {
			return true
		}
	}
	return false
}

// connectWithRetry attempts to connect with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes every rig's target topic and its derived
// reference topic.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] connected, subscribing to rig topics...")
	c.setConnected(true)

	for _, rc := range c.config.Rigs {
		if rc.Topic == "" {
			log.Printf("[MQTT] rig %s has no topic configured", rc.ID)
			continue
		}

		c.subscribe(client, rc.Topic, c.createMessageHandler(rc.ID, PayloadTarget))

		if refTopic, ok := deriveReferenceTopic(rc.Topic); ok {
			c.subscribe(client, refTopic, c.createMessageHandler(rc.ID, PayloadReference))
		}
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	log.Printf("[MQTT] subscribing to %s", topic)
	token := client.Subscribe(topic, 0, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("[MQTT] subscribed to %s", topic)
}

// onConnectionLost is called when the connection drops; auto-reconnect retries
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// createMessageHandler decodes a point set and hands it to the user handler
func (c *MQTTClient) createMessageHandler(rigID string, kind PayloadKind) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("[MQTT] received %s points for %s (topic: %s, size: %d bytes)",
			kind, rigID, msg.Topic(), len(payload))

		points, err := DecodePoints(payload)
		if err != nil {
			log.Printf("[MQTT] error decoding %s points for %s: %v", kind, rigID, err)
			if c.messageHandler != nil {
				c.messageHandler(rigID, kind, nil, err)
			}
			return
		}

		if c.messageHandler != nil {
			c.messageHandler(rigID, kind, points, nil)
		}
	}
}

// deriveReferenceTopic swaps the last topic segment for "reference".
// Example: "lab/rig1/target" -> "lab/rig1/reference"
// Returns false for single-segment topics or topics already ending in
// "reference".
func deriveReferenceTopic(targetTopic string) (string, bool) {
	parts := strings.Split(targetTopic, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" {
		return "", false
	}
	if parts[len(parts)-1] == string(PayloadReference) {
		return "", false
	}
	parts[len(parts)-1] = string(PayloadReference)
	return strings.Join(parts, "/"), true
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250) // 250ms quiesce
		c.setConnected(false)
	}
}

// GetRigByTopic returns the rig ID and payload kind for a subscribed topic
func (c *MQTTClient) GetRigByTopic(topic string) (string, PayloadKind, bool) {
	for _, rc := range c.config.Rigs {
		if rc.Topic == "" {
			continue
		}
		if rc.Topic == topic {
			return rc.ID, PayloadTarget, true
		}
		if ref, ok := deriveReferenceTopic(rc.Topic); ok && ref == topic {
			return rc.ID, PayloadReference, true
		}
	}
	return "", "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps a provided mqtt.Client, for tests
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
