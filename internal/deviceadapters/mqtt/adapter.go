// Package mqtt implements the MQTT device adapter: one connection per
// configured broker, topic-convention device discovery, dynamic
// per-device subscriptions, and command egress.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgemind/edgemind/internal/deviceadapters"
	"github.com/edgemind/edgemind/internal/errs"
)

// BrokerConfig describes one MQTT broker connection.
type BrokerConfig struct {
	ID       string   `json:"id" yaml:"id"`
	URL      string   `json:"url" yaml:"url"`
	ClientID string   `json:"client_id" yaml:"client_id"`
	Username string   `json:"username,omitempty" yaml:"username"`
	Password string   `json:"password,omitempty" yaml:"password"`
	UseTLS   bool     `json:"use_tls" yaml:"use_tls"`
	// InsecureSkipVerify disables certificate verification for self-signed
	// broker certs.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify"`
	// TopicPrefix is the convention root: {prefix}/{device_id}/...
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	// SubscribeTopics lists extra topic filters subscribed on connect.
	SubscribeTopics []string `json:"subscribe_topics,omitempty" yaml:"subscribe_topics"`
	// DiscoveryTopic, when set, advertises new device types.
	DiscoveryTopic string `json:"discovery_topic,omitempty" yaml:"discovery_topic"`
	// DefaultDeviceType is assigned to devices discovered by topic only.
	DefaultDeviceType string `json:"default_device_type,omitempty" yaml:"default_device_type"`
	Enabled           bool   `json:"enabled" yaml:"enabled"`

	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout"`
	QoS            byte          `json:"qos,omitempty" yaml:"qos"`
}

func (c *BrokerConfig) withDefaults() BrokerConfig {
	out := *c
	if out.TopicPrefix == "" {
		out.TopicPrefix = "devices"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 5 * time.Second
	}
	if out.ClientID == "" {
		out.ClientID = "edgemind-" + out.ID
	}
	return out
}

// clientFactory builds the paho client; swapped in tests.
type clientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Adapter is the MQTT ingress/egress adapter for one broker.
type Adapter struct {
	*deviceadapters.Base

	config  BrokerConfig
	logger  *slog.Logger
	factory clientFactory

	client pahomqtt.Client
	cancel context.CancelFunc
}

// New creates an MQTT adapter from a broker config.
func New(config BrokerConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := config.withDefaults()
	return &Adapter{
		Base:    deviceadapters.NewBase("mqtt:"+cfg.ID, 256),
		config:  cfg,
		logger:  logger,
		factory: pahomqtt.NewClient,
	}
}

// Start connects to the broker and keeps reconnecting until Stop. It is
// a no-op when already running.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.BeginStart() {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		reconnector := &deviceadapters.Reconnector{
			Config:        deviceadapters.DefaultReconnectConfig(),
			Logger:        a.logger,
			OnStateChange: a.SetState,
		}
		err := reconnector.Run(runCtx, a.connect)
		if err != nil && runCtx.Err() == nil {
			a.logger.Error("mqtt adapter gave up reconnecting", "broker", a.config.ID, "error", err)
		}
	}()
	return nil
}

// connect dials the broker, subscribes the convention topics plus any
// queued per-device subscriptions, and blocks until the connection drops.
func (a *Adapter) connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(a.config.URL).
		SetClientID(a.config.ClientID).
		SetConnectTimeout(a.config.ConnectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if a.config.Username != "" {
		opts.SetUsername(a.config.Username)
		opts.SetPassword(a.config.Password)
	}
	if a.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: a.config.InsecureSkipVerify})
	}

	lost := make(chan error, 1)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := a.factory(opts)
	token := client.Connect()
	if !token.WaitTimeout(a.config.ConnectTimeout) {
		return errs.Transient("mqtt connect timeout", nil)
	}
	if err := token.Error(); err != nil {
		return errs.Transient("mqtt connect", err)
	}

	a.client = client
	a.SetState(deviceadapters.StateConnected)
	a.logger.Info("mqtt broker connected", "broker", a.config.ID, "url", a.config.URL)

	if err := a.subscribeAll(); err != nil {
		client.Disconnect(250)
		return err
	}
	a.replayPending()

	select {
	case <-ctx.Done():
		client.Disconnect(250)
		a.SetState(deviceadapters.StateDisconnected)
		return ctx.Err()
	case err := <-lost:
		a.SetState(deviceadapters.StateReconnecting)
		return errs.Transient("mqtt connection lost", err)
	}
}

func (a *Adapter) subscribeAll() error {
	wildcard := a.config.TopicPrefix + "/+/#"
	if err := a.subscribe(wildcard); err != nil {
		return err
	}
	for _, topic := range a.config.SubscribeTopics {
		if err := a.subscribe(topic); err != nil {
			return err
		}
	}
	if a.config.DiscoveryTopic != "" {
		if err := a.subscribe(a.config.DiscoveryTopic); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) subscribe(topic string) error {
	token := a.client.Subscribe(topic, a.config.QoS, a.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return errs.Transient("mqtt subscribe "+topic, err)
	}
	return nil
}

// replayPending applies subscribe/unsubscribe calls queued while the
// connection was down.
func (a *Adapter) replayPending() {
	for _, op := range a.DrainPending() {
		topic := a.deviceTopic(op.DeviceID) + "/#"
		var err error
		if op.Subscribe {
			err = a.subscribe(topic)
		} else {
			token := a.client.Unsubscribe(topic)
			token.Wait()
			err = token.Error()
		}
		if err != nil {
			a.logger.Warn("replaying queued subscription failed",
				"device_id", op.DeviceID, "error", err)
		}
	}
}

// onMessage routes an incoming publish to the event stream.
func (a *Adapter) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	topic := msg.Topic()

	if a.config.DiscoveryTopic != "" && topicMatches(a.config.DiscoveryTopic, topic) {
		a.onDiscovery(msg.Payload())
		return
	}

	deviceID, rest, ok := a.parseTopic(topic)
	if !ok {
		return
	}

	switch rest {
	case "status/online":
		a.Emit(deviceadapters.DeviceEvent{
			Kind:       deviceadapters.DeviceEventOnline,
			DeviceID:   deviceID,
			DeviceType: a.config.DefaultDeviceType,
		})
	case "status/offline":
		a.Emit(deviceadapters.DeviceEvent{
			Kind:     deviceadapters.DeviceEventOffline,
			DeviceID: deviceID,
			Reason:   "reported offline",
		})
	default:
		a.Emit(deviceadapters.DeviceEvent{
			Kind:       deviceadapters.DeviceEventMetric,
			DeviceID:   deviceID,
			DeviceType: a.config.DefaultDeviceType,
			Payload:    json.RawMessage(msg.Payload()),
		})
	}
}

// discoveryAnnouncement is the auto-discovery payload advertising a
// device and its type.
type discoveryAnnouncement struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
}

func (a *Adapter) onDiscovery(payload []byte) {
	var ann discoveryAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil || ann.DeviceID == "" {
		a.logger.Warn("malformed discovery announcement", "payload", string(payload))
		return
	}
	a.Emit(deviceadapters.DeviceEvent{
		Kind:       deviceadapters.DeviceEventOnline,
		DeviceID:   ann.DeviceID,
		DeviceType: ann.DeviceType,
	})
}

// parseTopic splits {prefix}/{device_id}/{rest...}.
func (a *Adapter) parseTopic(topic string) (deviceID, rest string, ok bool) {
	prefix := a.config.TopicPrefix + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	remainder := strings.TrimPrefix(topic, prefix)
	parts := strings.SplitN(remainder, "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	deviceID = parts[0]
	if len(parts) > 1 {
		rest = parts[1]
	}
	return deviceID, rest, true
}

func (a *Adapter) deviceTopic(deviceID string) string {
	return a.config.TopicPrefix + "/" + deviceID
}

// Stop disconnects; a no-op when already stopped. In-flight publishes
// are given a short grace period.
func (a *Adapter) Stop(_ context.Context) error {
	if !a.BeginStop() {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
	return nil
}

// SubscribeDevice adds a per-device subscription, queued while offline.
func (a *Adapter) SubscribeDevice(_ context.Context, deviceID string) error {
	return a.TrackDevice(deviceID, func(id string) error {
		return a.subscribe(a.deviceTopic(id) + "/#")
	})
}

// UnsubscribeDevice removes a per-device subscription, queued while offline.
func (a *Adapter) UnsubscribeDevice(_ context.Context, deviceID string) error {
	return a.UntrackDevice(deviceID, func(id string) error {
		token := a.client.Unsubscribe(a.deviceTopic(id) + "/#")
		token.Wait()
		return token.Error()
	})
}

// SendCommand publishes the command payload. The default target is
// {prefix}/{device_id}/cmd/{name}; cmd.Topic overrides it.
func (a *Adapter) SendCommand(_ context.Context, cmd deviceadapters.Command) error {
	if a.client == nil || !a.client.IsConnected() {
		return errs.Transient("mqtt broker not connected", nil)
	}
	topic := cmd.Topic
	if topic == "" {
		topic = fmt.Sprintf("%s/cmd/%s", a.deviceTopic(cmd.DeviceID), cmd.Name)
	}
	token := a.client.Publish(topic, a.config.QoS, false, []byte(cmd.Payload))
	token.Wait()
	if err := token.Error(); err != nil {
		return errs.Transient("mqtt publish", err)
	}
	return nil
}

// topicMatches implements MQTT filter matching for +/# wildcards.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	for i, fp := range fparts {
		if fp == "#" {
			return true
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
