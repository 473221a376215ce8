// Package busclient is the single MQTT client every TARS service
// embeds: connect/reconnect, envelope-wrapped publish, dedup'd
// subscription dispatch, health/heartbeat publication, and graceful
// shutdown. It is domain-agnostic, driven entirely by the contracts
// package's topic/policy registry.
package busclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hollowoak/tars/internal/contracts"
	"github.com/hollowoak/tars/internal/obs"
	"github.com/hollowoak/tars/internal/platform/config"
)

// Handler is called for each inbound message that passes dedup and
// strict contract validation.
type Handler func(decoded contracts.Decoded)

// Config holds everything the client needs to connect and behave,
// mapping 1:1 onto the MQTT_* environment variables every service reads.
type Config struct {
	Broker            string
	ClientID          string
	SourceName        string
	Keepalive         time.Duration
	EnableHealth      bool
	EnableHeartbeat   bool
	HeartbeatInterval time.Duration
	DedupeTTL         time.Duration
	DedupeMaxEntries  int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// ConfigFromShared builds a busclient.Config from the env-var-loaded
// platform config shared by every service.
func ConfigFromShared(s config.Shared) Config {
	return Config{
		Broker:            s.MQTTURL,
		ClientID:          s.ClientID,
		SourceName:        s.SourceName,
		Keepalive:         s.Keepalive,
		EnableHealth:      s.EnableHealth,
		EnableHeartbeat:   s.EnableHeartbeat,
		HeartbeatInterval: s.HeartbeatInterval,
		DedupeTTL:         s.DedupeTTL,
		DedupeMaxEntries:  s.DedupeMaxEntries,
		ReconnectMinDelay: s.ReconnectMinDelay,
		ReconnectMaxDelay: s.ReconnectMaxDelay,
	}
}

type subscription struct {
	filter string
	handler Handler
}

// Client is the shared MQTT client. Zero value is not usable;
// construct with New.
type Client struct {
	cfg    Config
	logger *slog.Logger
	obsBus *obs.Bus

	state atomic.Int32

	dedup *dedupCache

	mu          sync.Mutex
	cm          *autopaho.ConnectionManager
	subs        []subscription
	everConnected bool

	heartbeatCancel context.CancelFunc
	shutdownOnce    sync.Once
}

// New constructs a Client. Call Start to connect.
func New(cfg Config, logger *slog.Logger, obsBus *obs.Bus) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		obsBus: obsBus,
		dedup:  newDedupCache(cfg.DedupeMaxEntries, cfg.DedupeTTL),
	}
	c.state.Store(int32(Created))
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Start connects to the broker and blocks until ctx is cancelled,
// running the heartbeat loop in the background. It returns as soon as
// ctx is done; it does not wait for the heartbeat loop or the
// connection manager to stop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.heartbeatCancel = cancel
	c.mu.Unlock()
	go c.heartbeatLoop(hbCtx)

	<-ctx.Done()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("busclient: parse broker url: %w", err)
	}

	c.setState(Connecting)

	willTopic := string(contracts.HealthTopic(c.cfg.SourceName))
	willPayload, err := contracts.Encode(contracts.HealthTopic(c.cfg.SourceName), contracts.HealthStatus{OK: false, Event: contracts.HealthShutdown}, contracts.EncodeOptions{Source: c.cfg.SourceName})
	if err != nil {
		return fmt.Errorf("busclient: build will message: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  uint16(c.cfg.Keepalive.Seconds()),
		WillMessage: &paho.WillMessage{
			Topic:   willTopic,
			Payload: willPayload,
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.onConnectionUp(cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("busclient connection error", "error", err)
			if c.State() == Connected {
				c.setState(Reconnecting)
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("busclient: connect: %w", err)
	}

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("busclient initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

func (c *Client) onConnectionUp(cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	firstTime := !c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	c.setState(Connected)
	c.logger.Info("busclient connected", "broker", c.cfg.Broker)
	c.publishObs(obs.KindConnected, map[string]any{"broker": c.cfg.Broker})

	resubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.resubscribeAll(resubCtx, cm)

	if c.cfg.EnableHealth {
		event := contracts.HealthReady
		if !firstTime {
			event = contracts.HealthReconnected
		}
		if err := c.PublishHealth(resubCtx, event, ""); err != nil {
			c.logger.Warn("busclient publish health failed", "error", err)
		}
	}
}

// resubscribeAll restores every registered subscription filter. Called
// on every (re-)connect since the broker does not remember a client's
// subscriptions across a clean session; subscriptions must survive
// reconnect.
func (c *Client) resubscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	filters := make([]string, len(c.subs))
	for i, s := range c.subs {
		filters[i] = s.filter
	}
	c.mu.Unlock()

	if len(filters) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, len(filters))
	for i, f := range filters {
		opts[i] = paho.SubscribeOptions{Topic: f, QoS: 1}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("busclient resubscribe failed", "error", err, "filters", filters)
	}
}

// forceReconnect tears down the current connection and reconnects
// with an exponential backoff bounded by ReconnectMinDelay/MaxDelay,
// doubling on each failed attempt (connwatch-style).
func (c *Client) forceReconnect(ctx context.Context, reason string) {
	c.setState(Reconnecting)
	c.publishObs(obs.KindReconnecting, map[string]any{"reason": reason})

	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm != nil {
		discCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cm.Disconnect(discCtx)
		cancel()
	}

	delay := c.cfg.ReconnectMinDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	maxDelay := c.cfg.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 2)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Subscribe registers handler for filter (an exact topic or a
// wildcard filter using + and #) and sends the SUBSCRIBE packet.
// Re-registering a filter replaces its prior handler rather than
// stacking a second one. Only valid while Connected.
func (c *Client) Subscribe(ctx context.Context, filter string, handler Handler) error {
	c.mu.Lock()
	cm := c.cm
	if c.State() != Connected || cm == nil {
		c.mu.Unlock()
		return &ErrNotConnected{Op: "subscribe", Topic: filter}
	}
	replaced := false
	for i, s := range c.subs {
		if s.filter == filter {
			c.subs[i].handler = handler
			replaced = true
			break
		}
	}
	if !replaced {
		c.subs = append(c.subs, subscription{filter: filter, handler: handler})
	}
	c.mu.Unlock()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	if err != nil {
		return fmt.Errorf("busclient: subscribe %s: %w", filter, err)
	}
	return nil
}

// dispatch strictly validates an inbound message against the
// contracts registry, drops duplicates and schema-invalid messages
// (counted, not propagated), and invokes every
// matching handler.
func (c *Client) dispatch(topic string, payload []byte) {
	decoded, err := contracts.Validate(contracts.Topic(topic), payload)
	if err != nil {
		c.logger.Warn("busclient dropped invalid message", "topic", topic, "error", err)
		c.publishObs(obs.KindMessageDropped, map[string]any{"topic": topic, "reason": "invalid"})
		return
	}

	if key, ok := dedupKey(decoded.Envelope); ok && c.dedup.seen(key) {
		c.publishObs(obs.KindMessageDropped, map[string]any{"topic": topic, "reason": "duplicate"})
		return
	}

	c.mu.Lock()
	matches := make([]Handler, 0, 1)
	for _, s := range c.subs {
		if topicMatches(s.filter, topic) {
			matches = append(matches, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range matches {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("busclient handler panicked", "topic", topic, "panic", r)
				}
			}()
			h(decoded)
		}()
	}
}

// PublishEvent validates and envelope-wraps payload, then publishes it
// to topic using the QoS/retain policy from the contracts registry.
// It fails fast with a typed error if called while not Connected.
func PublishEvent[T contracts.Validator](ctx context.Context, c *Client, topic contracts.Topic, payload T, opts contracts.EncodeOptions) error {
	if opts.Source == "" {
		opts.Source = c.cfg.SourceName
	}
	raw, err := contracts.Encode(topic, payload, opts)
	if err != nil {
		return err
	}
	return c.publishRaw(ctx, topic, raw)
}

// PublishRaw publishes payload directly with no envelope, for the
// movement firmware boundary topics where IsRaw(topic) is true.
func PublishRaw[T contracts.Validator](ctx context.Context, c *Client, topic contracts.Topic, payload T) error {
	raw, err := contracts.EncodeRaw(payload)
	if err != nil {
		return err
	}
	return c.publishRaw(ctx, topic, raw)
}

func (c *Client) publishRaw(ctx context.Context, topic contracts.Topic, raw []byte) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if c.State() != Connected || cm == nil {
		return &ErrNotConnected{Op: "publish", Topic: string(topic)}
	}
	policy, ok := contracts.PolicyFor(topic)
	if !ok {
		return fmt.Errorf("busclient: publish: unknown topic %q", topic)
	}
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   string(topic),
		Payload: raw,
		QoS:     policy.QoS,
		Retain:  policy.Retain,
	})
	if err != nil {
		return fmt.Errorf("busclient: publish %s: %w", topic, err)
	}
	return nil
}

// PublishHealth publishes a retained system/health/<service> status.
func (c *Client) PublishHealth(ctx context.Context, event contracts.HealthEvent, errMsg string) error {
	status := contracts.HealthStatus{
		OK:    event != contracts.HealthShutdown,
		Event: event,
		Err:   errMsg,
	}
	return PublishEvent(ctx, c, contracts.HealthTopic(c.cfg.SourceName), status, contracts.EncodeOptions{Source: c.cfg.SourceName})
}

func (c *Client) publishKeepalive(ctx context.Context, seq int) error {
	return PublishEvent(ctx, c, contracts.KeepaliveTopic(c.cfg.SourceName), contracts.Keepalive{Seq: seq}, contracts.EncodeOptions{Source: c.cfg.SourceName})
}

// Shutdown publishes a retained shutdown health status, stops the
// heartbeat loop, and disconnects within a 5s bound. Idempotent;
// safe to call from a signal handler.
func (c *Client) Shutdown(ctx context.Context) error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		c.setState(Disconnecting)

		if c.cfg.EnableHealth {
			healthCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = c.PublishHealth(healthCtx, contracts.HealthShutdown, "")
			cancel()
		}

		c.mu.Lock()
		if c.heartbeatCancel != nil {
			c.heartbeatCancel()
		}
		cm := c.cm
		c.mu.Unlock()

		if cm != nil {
			discCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			shutdownErr = cm.Disconnect(discCtx)
			cancel()
		}
		c.setState(Disconnected)
		c.publishObs(obs.KindDisconnected, nil)
	})
	return shutdownErr
}

func (c *Client) publishObs(kind string, data map[string]any) {
	if c.obsBus == nil {
		return
	}
	c.obsBus.Publish(obs.Event{
		Timestamp: time.Now(),
		Source:    obs.SourceBusclient,
		Kind:      kind,
		Data:      data,
	})
}

// topicMatches reports whether topic satisfies an MQTT subscription
// filter containing + (single-level) and # (multi-level) wildcards.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
