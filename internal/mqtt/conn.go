// Package mqtt surfaces the room entities in Home Assistant through MQTT
// discovery and turns Home Assistant commands back into entity operations.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotStarted is returned by operations issued before Start.
var ErrNotStarted = errors.New("mqtt connection not started")

const (
	// inboxSize bounds the number of received messages waiting for dispatch.
	inboxSize = 256
	// queueSize bounds the messages waiting for one room.
	queueSize = 32
)

// MessageHandler is called for every message received on a subscribed
// topic. Messages for the same room are handled one at a time in arrival
// order; different rooms are handled concurrently.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// ConnConfig holds the broker settings.
type ConnConfig struct {
	Broker            string
	Username          string
	Password          string
	ClientID          string
	AvailabilityTopic string
}

type message struct {
	topic   string
	payload []byte
}

// Conn is an auto-reconnecting broker connection. It remembers its
// subscriptions and restores them on every reconnect.
type Conn struct {
	cfg    ConnConfig
	logger *zap.Logger

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	filters   map[string]bool
	handler   MessageHandler
	onConnect []func(ctx context.Context)

	inbox chan message

	queuesMu sync.Mutex
	queues   map[string]chan message
}

// NewConn creates a connection. A random client id is generated when
// cfg.ClientID is empty.
func NewConn(cfg ConnConfig, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tritonnet-" + uuid.NewString()
	}
	return &Conn{
		cfg:     cfg,
		logger:  logger.Named("mqtt"),
		filters: make(map[string]bool),
		inbox:   make(chan message, inboxSize),
		queues:  make(map[string]chan message),
	}
}

// ClientID returns the MQTT client id.
func (c *Conn) ClientID() string {
	return c.cfg.ClientID
}

// SetHandler sets the handler for received messages.
func (c *Conn) SetHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnConnect registers fn to run after every (re-)connect, once the
// subscriptions are restored and the birth message is out.
func (c *Conn) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Start connects to the broker and starts dispatching messages. It waits
// up to 30 seconds for the first connection; after that the connection
// keeps retrying in the background.
func (c *Conn) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("Connected to MQTT broker", zap.String("broker", c.cfg.Broker))
			go c.connected(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("MQTT connection error", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.received,
			},
		},
	}
	if c.cfg.AvailabilityTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	go c.dispatch(ctx)

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("MQTT initial connection timed out, will retry in background", zap.Error(err))
	}
	return nil
}

// Stop publishes the offline availability and disconnects.
func (c *Conn) Stop(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return nil
	}
	if c.cfg.AvailabilityTopic != "" {
		if err := c.Publish(ctx, c.cfg.AvailabilityTopic, []byte("offline"), true); err != nil {
			c.logger.Warn("MQTT availability publish failed", zap.Error(err))
		}
	}
	return cm.Disconnect(ctx)
}

// Publish sends payload to topic with QoS 1.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := c.manager()
	if cm == nil {
		return ErrNotStarted
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe adds filter to the subscriptions. When disconnected the
// subscription is made on the next connect.
func (c *Conn) Subscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	c.filters[filter] = true
	cm := c.cm
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Unsubscribe removes filter from the subscriptions.
func (c *Conn) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	delete(c.filters, filter)
	cm := c.cm
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	return nil
}

func (c *Conn) manager() *autopaho.ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cm
}

// connected restores subscriptions, announces availability and runs the
// OnConnect hooks.
func (c *Conn) connected(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	filters := make([]string, 0, len(c.filters))
	for f := range c.filters {
		filters = append(filters, f)
	}
	hooks := append([]func(context.Context){}, c.onConnect...)
	c.mu.Unlock()
	sort.Strings(filters)

	if len(filters) > 0 {
		opts := make([]paho.SubscribeOptions, len(filters))
		for i, f := range filters {
			opts[i] = paho.SubscribeOptions{Topic: f, QoS: 1}
		}
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
			c.logger.Warn("MQTT resubscribe failed", zap.Error(err))
		} else {
			c.logger.Debug("MQTT subscriptions restored", zap.Strings("filters", filters))
		}
	}

	if c.cfg.AvailabilityTopic != "" {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   c.cfg.AvailabilityTopic,
			Payload: []byte("online"),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("MQTT availability publish failed", zap.Error(err))
		}
	}

	for _, hook := range hooks {
		hook(ctx)
	}
}

// received queues an incoming message for dispatch.
func (c *Conn) received(pr paho.PublishReceived) (bool, error) {
	msg := message{topic: pr.Packet.Topic, payload: append([]byte(nil), pr.Packet.Payload...)}
	select {
	case c.inbox <- msg:
	default:
		c.logger.Warn("MQTT inbox full, dropping message", zap.String("topic", msg.topic))
	}
	return true, nil
}

// dispatch routes queued messages to their room's worker until ctx is
// done, so a slow command in one room never holds up another.
func (c *Conn) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			queue := c.queue(ctx, queueKey(msg.topic))
			select {
			case queue <- msg:
			default:
				c.logger.Warn("MQTT room queue full, dropping message", zap.String("topic", msg.topic))
			}
		}
	}
}

// queueKey groups command topics by room. Other topics get a queue of
// their own.
func queueKey(topic string) string {
	if room, _, ok := parseCommandTopic(topic); ok {
		return room
	}
	return topic
}

// queue returns the worker queue for key, starting the worker on first use.
func (c *Conn) queue(ctx context.Context, key string) chan message {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()
	if q, ok := c.queues[key]; ok {
		return q
	}
	q := make(chan message, queueSize)
	c.queues[key] = q
	go c.work(ctx, q)
	return q
}

// work hands the messages of one queue to the handler in order.
func (c *Conn) work(ctx context.Context, queue <-chan message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler == nil {
				continue
			}
			handler(ctx, msg.topic, msg.payload)
		}
	}
}
