package nav

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Topic suffixes under the configured topic prefix.
const (
	TopicFrame      = "frame"
	TopicAnchor     = "anchor"
	TopicGeoAnchor  = "geoanchor"
	TopicTracking   = "tracking"
	TopicRelocalize = "relocalize"
	TopicReset      = "reset"
)

// MQTTClient feeds live tracking events from MQTT into a Navigator.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	navigator   *Navigator
	onProgress  func(NavigationStatus)
	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT creates and connects the MQTT client. If no broker is configured
// (config or MQTT_BROKER), MQTT is disabled and it returns nil, nil.
func InitMQTT(config *Config, navigator *Navigator) (*MQTTClient, error) {
	if config == nil || config.MQTT.Broker == "" {
		Logf("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if navigator == nil {
		return nil, errors.New("MQTT enabled but no navigator provided")
	}

	c := &MQTTClient{config: config, navigator: navigator}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)
	opts.SetClientID(config.MQTT.ClientID)
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	// Frames must reach the arbitrator in the order the tracker produced them.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()

	return c, nil
}

// newMQTTClientWithMock wires a client around an existing mqtt.Client for tests.
func newMQTTClientWithMock(client mqtt.Client, config *Config, navigator *Navigator) *MQTTClient {
	return &MQTTClient{client: client, config: config, navigator: navigator}
}

// SetProgressHandler registers a callback invoked when a keypoint is reached.
func (c *MQTTClient) SetProgressHandler(fn func(NavigationStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress = fn
}

func (c *MQTTClient) progressHandler() func(NavigationStatus) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onProgress
}

// connectWithRetry connects with exponential backoff, capped at one minute.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		Logf("[MQTT] connecting to %s...", c.config.MQTT.Broker)
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("[MQTT] connected")
				c.setConnected(true)
				return
			}
			Logf("[MQTT] connection failed: %v", token.Error())
		} else {
			Logf("[MQTT] connection timeout")
		}

		Logf("[MQTT] retrying in %v", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Topic returns the full topic for a suffix under the configured prefix.
func (c *MQTTClient) Topic(suffix string) string {
	prefix := strings.TrimSuffix(c.config.MQTT.TopicPrefix, "/")
	if prefix == "" {
		prefix = "crumbnav"
	}
	return prefix + "/" + suffix
}

func (c *MQTTClient) subscriptions() map[string]mqtt.MessageHandler {
	return map[string]mqtt.MessageHandler{
		c.Topic(TopicFrame):      c.handleFrame,
		c.Topic(TopicAnchor):     c.handleAnchor,
		c.Topic(TopicGeoAnchor):  c.handleGeoAnchor,
		c.Topic(TopicTracking):   c.handleTracking,
		c.Topic(TopicRelocalize): c.handleRelocalize,
		c.Topic(TopicReset):      c.handleReset,
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	Logf("[MQTT] connected, subscribing...")
	c.setConnected(true)

	for topic, handler := range c.subscriptions() {
		token := client.Subscribe(topic, 0, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			Logf("[MQTT] error subscribing to %s: %v", topic, token.Error())
			continue
		}
		Logf("[MQTT] subscribed to %s", topic)
	}
}

// onConnectionLost fires on transient drops; auto-reconnect takes over.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	Logf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	Logf("[MQTT] reconnecting...")
}

func (c *MQTTClient) handleFrame(client mqtt.Client, msg mqtt.Message) {
	var frame LiveFrame
	if err := json.Unmarshal(msg.Payload(), &frame); err != nil {
		Logf("[MQTT] bad frame on %s: %v", msg.Topic(), err)
		return
	}
	if !frame.WorldPose.IsFinite() {
		Logf("[MQTT] dropping frame with non-finite world pose")
		return
	}
	if c.navigator.HandleFrame(frame) {
		if fn := c.progressHandler(); fn != nil {
			fn(c.navigator.Status())
		}
	}
}

func (c *MQTTClient) handleAnchor(client mqtt.Client, msg mqtt.Message) {
	var res AnchorResolution
	if err := json.Unmarshal(msg.Payload(), &res); err != nil {
		Logf("[MQTT] bad anchor resolution on %s: %v", msg.Topic(), err)
		return
	}
	if res.AnchorID == "" {
		Logf("[MQTT] anchor resolution without anchorId, skipping")
		return
	}
	arb := c.navigator.Arbitrator()
	if res.Pose == nil || res.Error != "" {
		reason := res.Error
		if reason == "" {
			reason = "no pose"
		}
		arb.OnAnchorFailed(res.AnchorID, errors.New(reason))
		return
	}
	arb.OnAnchorResolved(res.AnchorID, *res.Pose)
}

func (c *MQTTClient) handleGeoAnchor(client mqtt.Client, msg mqtt.Message) {
	var a AnchorAssignment
	if err := json.Unmarshal(msg.Payload(), &a); err != nil {
		Logf("[MQTT] bad anchor assignment on %s: %v", msg.Topic(), err)
		return
	}
	if err := c.navigator.AssignAnchor(a.CrumbIndex, a.AnchorID); err != nil {
		Logf("[MQTT] %v", err)
	}
}

// trackingPayload is the object form of a tracking message.
type trackingPayload struct {
	State string `json:"state"`
}

// handleTracking accepts {"state":"normal"}, "normal", or a bare normal.
func (c *MQTTClient) handleTracking(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	var value string

	var obj trackingPayload
	if err := json.Unmarshal(payload, &obj); err == nil && obj.State != "" {
		value = obj.State
	} else {
		var plain string
		if err := json.Unmarshal(payload, &plain); err == nil {
			value = plain
		} else {
			value = strings.TrimSpace(string(payload))
		}
	}
	if value == "" {
		Logf("[MQTT] empty tracking payload, skipping")
		return
	}

	state, err := ParseTrackingState(value)
	if err != nil {
		Logf("[MQTT] %v", err)
		return
	}
	c.navigator.Arbitrator().OnTrackingState(state)
}

func (c *MQTTClient) handleRelocalize(client mqtt.Client, msg mqtt.Message) {
	realignment := IdentityPose()
	if len(strings.TrimSpace(string(msg.Payload()))) > 0 {
		if err := json.Unmarshal(msg.Payload(), &realignment); err != nil {
			Logf("[MQTT] bad relocalization pose: %v", err)
			return
		}
	}
	c.navigator.Arbitrator().OnRelocalization(realignment)
}

func (c *MQTTClient) handleReset(client mqtt.Client, msg mqtt.Message) {
	Logf("[MQTT] reset requested")
	c.navigator.Arbitrator().Reset()
}

// IsConnected returns true if the MQTT client is connected.
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

// Disconnect closes the connection after a 250ms quiesce.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		Logf("[MQTT] disconnecting...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying client for publishing.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

func (c *MQTTClient) String() string {
	return fmt.Sprintf("MQTTClient{broker=%s, prefix=%s, connected=%v}",
		c.config.MQTT.Broker, c.config.MQTT.TopicPrefix, c.IsConnected())
}
