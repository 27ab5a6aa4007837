package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Cloud topic layout. Uplink topics carry the gateway ID so the cloud
// side can route by wildcard subscription.
const (
	cloudTopicTelemetry       = "gateway/%s/telemetry/%s"
	cloudTopicAccess          = "gateway/%s/access/%s"
	cloudTopicStatus          = "gateway/%s/status/%s"
	cloudTopicAlert           = "gateway/%s/alert/%s"
	cloudTopicGatewayStatus   = "gateway/%s/status/gateway"
	cloudTopicCommandFilter   = "gateway/%s/command/#"
	cloudTopicSyncTrigger     = "gateway/%s/sync/trigger"
	cloudTopicCommandResponse = "gateway/command/response/%s"
)

// Kinds of forwarded uplink messages.
const (
	ForwardTelemetry = "telemetry"
	ForwardAccess    = "access"
	ForwardStatus    = "status"
	ForwardAlert     = "alert"
)

// flushedKey marks messages replayed from the store-and-forward buffer.
const flushedKey = "_flushed"

// flushInterval paces buffer replay so a long outage does not dump a
// burst at the broker.
const flushInterval = 50 * time.Millisecond

// CloudConfig holds cloud broker settings. The connection is mutually
// authenticated; all four file paths are required.
type CloudConfig struct {
	Host       string
	Port       int
	GatewayID  string
	CACert     string
	ClientCert string
	ClientKey  string

	BufferSize     int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration
}

// DefaultCloudConfig returns the production defaults.
func DefaultCloudConfig() CloudConfig {
	return CloudConfig{
		Port:           8883,
		BufferSize:     1000,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		KeepAlive:      30 * time.Second,
	}
}

// CloudClient is the mTLS uplink to the cloud broker with
// store-and-forward buffering across outages.
type CloudClient struct {
	config CloudConfig
	logger *zap.SugaredLogger
	client mqtt.Client
	buffer *sendBuffer

	// newClient is swapped out by tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	// flushMu serializes buffer replay so concurrent reconnects do not
	// interleave flushes.
	flushMu sync.Mutex

	mu        sync.Mutex
	onCommand func(deviceID string, payload []byte)
	onSync    func()

	statsMu  sync.Mutex
	forwards uint64
	buffered uint64
}

// NewCloud creates a cloud uplink client.
func NewCloud(config CloudConfig, logger *zap.SugaredLogger) *CloudClient {
	return &CloudClient{
		config:    config,
		logger:    logger,
		buffer:    newSendBuffer(config.BufferSize),
		newClient: mqtt.NewClient,
	}
}

// SetCommandCallback registers the handler for inbound remote commands.
// The device ID is the final topic segment.
func (c *CloudClient) SetCommandCallback(cb func(deviceID string, payload []byte)) {
	c.mu.Lock()
	c.onCommand = cb
	c.mu.Unlock()
}

// SetSyncTriggerCallback registers the handler for sync trigger pushes.
func (c *CloudClient) SetSyncTriggerCallback(cb func()) {
	c.mu.Lock()
	c.onSync = cb
	c.mu.Unlock()
}

// Connect dials the cloud broker. Subscriptions are (re)established and
// the buffer flushed on every connect.
func (c *CloudClient) Connect() error {
	tlsCfg, err := mutualTLSConfig(c.config.CACert, c.config.ClientCert, c.config.ClientKey)
	if err != nil {
		return fmt.Errorf("cloud broker tls: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%d", c.config.Host, c.config.Port))
	opts.SetClientID("gateway-" + c.config.GatewayID)
	opts.SetTLSConfig(tlsCfg)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Infow("cloud broker connected", "host", c.config.Host)
		c.subscribe(client)
		go c.Flush()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warnw("cloud broker connection lost", "error", err)
	})

	c.client = c.newClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("cloud broker connect timeout")
	}
	return token.Error()
}

func (c *CloudClient) subscribe(client mqtt.Client) {
	commands := fmt.Sprintf(cloudTopicCommandFilter, c.config.GatewayID)
	token := client.Subscribe(commands, 1, c.handleCommand)
	if !token.WaitTimeout(c.config.ConnectTimeout) || token.Error() != nil {
		c.logger.Errorw("cloud subscribe failed", "filter", commands, "error", token.Error())
	}

	trigger := fmt.Sprintf(cloudTopicSyncTrigger, c.config.GatewayID)
	token = client.Subscribe(trigger, 1, c.handleSyncTrigger)
	if !token.WaitTimeout(c.config.ConnectTimeout) || token.Error() != nil {
		c.logger.Errorw("cloud subscribe failed", "filter", trigger, "error", token.Error())
	}
}

func (c *CloudClient) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	deviceID := lastSegment(msg.Topic())
	if deviceID == "" {
		c.logger.Warnw("command on malformed topic", "topic", msg.Topic())
		return
	}
	c.mu.Lock()
	cb := c.onCommand
	c.mu.Unlock()
	if cb != nil {
		cb(deviceID, msg.Payload())
	}
}

func (c *CloudClient) handleSyncTrigger(_ mqtt.Client, _ mqtt.Message) {
	c.mu.Lock()
	cb := c.onSync
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func lastSegment(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return ""
}

// Forward publishes a device message to the cloud, wrapped in the
// gateway envelope. When the link is down the message is buffered for
// replay on reconnect.
func (c *CloudClient) Forward(deviceID, kind string, data map[string]interface{}) error {
	var topicFmt string
	switch kind {
	case ForwardTelemetry:
		topicFmt = cloudTopicTelemetry
	case ForwardAccess:
		topicFmt = cloudTopicAccess
	case ForwardStatus:
		topicFmt = cloudTopicStatus
	case ForwardAlert:
		topicFmt = cloudTopicAlert
	default:
		return fmt.Errorf("unknown forward kind %q", kind)
	}
	topic := fmt.Sprintf(topicFmt, c.config.GatewayID, deviceID)

	envelope := map[string]interface{}{
		"gateway_id": c.config.GatewayID,
		"device_id":  deviceID,
		"data":       data,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	if !c.IsConnected() {
		if c.buffer.Push(BufferedMessage{Topic: topic, Payload: envelope}) {
			c.logger.Warnw("send buffer full, dropped oldest message", "depth", c.buffer.Len())
		}
		c.statsMu.Lock()
		c.buffered++
		c.statsMu.Unlock()
		return nil
	}

	if err := c.publishJSON(topic, envelope, false); err != nil {
		return err
	}
	c.statsMu.Lock()
	c.forwards++
	c.statsMu.Unlock()
	return nil
}

// Flush replays buffered messages in order. Replayed payloads carry a
// _flushed marker so the cloud can distinguish them from live traffic.
// Replay stops on the first publish failure; the failed message is lost
// and the remainder stays queued for the next flush.
func (c *CloudClient) Flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	replayed := 0
	for c.IsConnected() {
		msg, ok := c.buffer.Pop()
		if !ok {
			break
		}
		msg.Payload[flushedKey] = true
		if err := c.publishJSON(msg.Topic, msg.Payload, false); err != nil {
			c.logger.Errorw("buffer flush failed", "topic", msg.Topic, "error", err)
			break
		}
		replayed++
		time.Sleep(flushInterval)
	}
	if replayed > 0 {
		c.logger.Infow("flushed buffered messages", "count", replayed, "remaining", c.buffer.Len())
	}
}

// PublishGatewayStatus publishes the retained gateway heartbeat.
func (c *CloudClient) PublishGatewayStatus(status string, uptime time.Duration, stats map[string]interface{}) error {
	topic := fmt.Sprintf(cloudTopicGatewayStatus, c.config.GatewayID)
	payload := map[string]interface{}{
		"gateway_id":     c.config.GatewayID,
		"status":         status,
		"uptime_seconds": int64(uptime.Seconds()),
		"stats":          stats,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	return c.publishJSON(topic, payload, true)
}

// PublishCommandResponse reports a command outcome back to the cloud.
func (c *CloudClient) PublishCommandResponse(deviceID string, response map[string]interface{}) error {
	topic := fmt.Sprintf(cloudTopicCommandResponse, deviceID)
	return c.publishJSON(topic, response, false)
}

func (c *CloudClient) publishJSON(topic string, payload interface{}, retained bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := c.client.Publish(topic, 1, retained, data)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports broker connectivity.
func (c *CloudClient) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// BufferLen reports the store-and-forward queue depth.
func (c *CloudClient) BufferLen() int {
	return c.buffer.Len()
}

// Statistics reports uplink counters for the heartbeat payload.
func (c *CloudClient) Statistics() map[string]interface{} {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return map[string]interface{}{
		"messages_forwarded": c.forwards,
		"messages_buffered":  c.buffered,
		"buffer_depth":       c.buffer.Len(),
		"buffer_dropped":     c.buffer.Dropped(),
	}
}

// Disconnect closes the broker connection.
func (c *CloudClient) Disconnect() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}
