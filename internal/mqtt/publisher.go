package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/sidekick/internal/buildinfo"
	"github.com/nugget/sidekick/internal/config"
)

// ErrNotStarted is returned by PublishEvent before Start.
var ErrNotStarted = errors.New("mqtt publisher not started")

// Event is the JSON body published for every event.
type Event struct {
	Kind    string    `json:"kind"`
	Source  string    `json:"source"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// connection is the part of the autopaho connection manager the
// publisher uses.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Publisher manages the MQTT connection and publishes events.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	conn connection
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = cfg.ClientID
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		now:      time.Now,
	}
}

// Start connects to the broker and waits up to 30 seconds for the
// first connection. A slow broker is not an error: autopaho keeps
// retrying in the background until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.conn = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
// ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	conn := p.connection()
	if conn == nil {
		return nil
	}
	p.publishAvailability(ctx, conn, "offline")
	return conn.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established
// or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	conn := p.connection()
	if conn == nil {
		return ErrNotStarted
	}
	return conn.AwaitConnection(ctx)
}

// PublishEvent publishes payload as an [Event] on
// <prefix>/events/<kind>. Events are QoS 0 and not retained.
func (p *Publisher) PublishEvent(ctx context.Context, kind string, payload any) error {
	if !validLevel(kind) {
		return fmt.Errorf("mqtt event kind %q is not a topic level", kind)
	}
	conn := p.connection()
	if conn == nil {
		return ErrNotStarted
	}

	body, err := json.Marshal(Event{
		Kind:    kind,
		Source:  p.clientID,
		Version: buildinfo.Version,
		Time:    p.now().UTC(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	topic := p.eventTopic(kind)
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: body,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	p.logger.Debug("mqtt event published", "topic", topic, "bytes", len(body))
	return nil
}

func (p *Publisher) connection() connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return strings.TrimRight(p.cfg.TopicPrefix, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

// validLevel reports whether s can be used as a single topic level.
func validLevel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#\x00")
}

func (p *Publisher) publishAvailability(ctx context.Context, conn connection, status string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
