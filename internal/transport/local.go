// Package transport provides the gateway's two MQTT links: the local
// site broker carrying device traffic and the mutually-authenticated
// cloud broker, with a bounded store-and-forward buffer covering cloud
// outages.
package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Local topic layout.
const (
	localTopicPrefix  = "home/devices/"
	localCommandTopic = "home/devices/%s/command"
)

// Kinds of local device messages.
const (
	LocalKindTelemetry = "telemetry"
	LocalKindRequest   = "request"
	LocalKindStatus    = "status"
)

// LocalMessage is a parsed message from the site broker.
type LocalMessage struct {
	DeviceID string
	Kind     string // telemetry | request | status
	Payload  []byte
}

// LocalConfig holds site broker settings.
type LocalConfig struct {
	Host     string
	Port     int
	CACert   string
	Username string
	Password string
	ClientID string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration
}

// DefaultLocalConfig returns the production defaults.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Port:           8883,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		KeepAlive:      30 * time.Second,
	}
}

// LocalClient is the TLS client for the site broker.
type LocalClient struct {
	config LocalConfig
	logger *zap.SugaredLogger
	client mqtt.Client

	// newClient is swapped out by tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	onMessage func(LocalMessage)
	onConnect func()
}

// NewLocal creates a local broker client.
func NewLocal(config LocalConfig, logger *zap.SugaredLogger) *LocalClient {
	return &LocalClient{
		config:    config,
		logger:    logger,
		newClient: mqtt.NewClient,
	}
}

// SetMessageCallback registers the handler for parsed device messages.
func (c *LocalClient) SetMessageCallback(cb func(LocalMessage)) {
	c.onMessage = cb
}

// SetConnectCallback registers a handler invoked on each (re)connect.
func (c *LocalClient) SetConnectCallback(cb func()) {
	c.onConnect = cb
}

// Connect dials the broker and subscribes to the device topics.
// Callbacks must be registered before calling.
func (c *LocalClient) Connect() error {
	tlsCfg, err := serverTLSConfig(c.config.CACert)
	if err != nil {
		return fmt.Errorf("local broker tls: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%d", c.config.Host, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetTLSConfig(tlsCfg)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Infow("local broker connected", "host", c.config.Host)
		c.subscribe(client)
		if c.onConnect != nil {
			c.onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warnw("local broker connection lost", "error", err)
	})

	c.client = c.newClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("local broker connect timeout")
	}
	return token.Error()
}

func (c *LocalClient) subscribe(client mqtt.Client) {
	for _, kind := range []string{LocalKindTelemetry, LocalKindRequest, LocalKindStatus} {
		filter := localTopicPrefix + "+/" + kind
		token := client.Subscribe(filter, 1, c.handleMessage)
		if !token.WaitTimeout(c.config.ConnectTimeout) || token.Error() != nil {
			c.logger.Errorw("local subscribe failed", "filter", filter, "error", token.Error())
		}
	}
}

func (c *LocalClient) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, kind, ok := ParseLocalTopic(msg.Topic())
	if !ok {
		c.logger.Debugw("ignoring message on unexpected topic", "topic", msg.Topic())
		return
	}
	if c.onMessage != nil {
		c.onMessage(LocalMessage{DeviceID: deviceID, Kind: kind, Payload: msg.Payload()})
	}
}

// ParseLocalTopic splits home/devices/{device_id}/{kind}.
func ParseLocalTopic(topic string) (deviceID, kind string, ok bool) {
	if !strings.HasPrefix(topic, localTopicPrefix) {
		return "", "", false
	}
	rest := strings.Split(topic[len(localTopicPrefix):], "/")
	if len(rest) != 2 || rest[0] == "" {
		return "", "", false
	}
	switch rest[1] {
	case LocalKindTelemetry, LocalKindRequest, LocalKindStatus:
		return rest[0], rest[1], true
	}
	return "", "", false
}

// PublishCommand sends a command payload to a device at QoS 1.
func (c *LocalClient) PublishCommand(deviceID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	topic := fmt.Sprintf(localCommandTopic, deviceID)
	token := c.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports broker connectivity.
func (c *LocalClient) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Disconnect closes the broker connection.
func (c *LocalClient) Disconnect() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}
