// Package emitter forwards detections and connection changes to an MQTT
// broker so other services can follow the session.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/expression-client/internal/types"
)

var (
	// ErrNotConnected is returned by publish calls while the broker is unreachable.
	ErrNotConnected = errors.New("emitter: mqtt not connected")
	// ErrQueueFull is returned when the outbound queue has no room; the
	// message is dropped.
	ErrQueueFull = errors.New("emitter: publish queue full")
)

// Config contains broker settings.
type Config struct {
	Broker   string // host:port or full URL (tcp://, ssl://, ws://)
	ClientID string
	Prefix   string // topic prefix (default: "expression")
	QoS      byte   // 0..2
	Codec    Codec
	// PublishTimeout bounds each publish (default: 2s).
	PublishTimeout time.Duration
	// QueueSize is the number of encoded messages waiting for the broker
	// (default: 64).
	QueueSize int
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64 // rejected because the queue was full
}

// outbound is an encoded message waiting for the publish worker.
type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// MQTTEmitter publishes session events to an MQTT broker.
//
// Publish calls encode and enqueue; a single worker started by Connect hands
// the messages to paho and waits for the broker, so callers never block on
// the network.
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client

	queue     chan outbound
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool
}

// NewMQTTEmitter creates an emitter with fail-fast validation. Connect must be
// called before publishing.
func NewMQTTEmitter(cfg Config) (*MQTTEmitter, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("emitter: broker is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("emitter: client id is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("emitter: qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	if _, err := ParseCodec(string(cfg.Codec)); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "expression"
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	if cfg.Codec == "" {
		cfg.Codec = CodecJSON
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan outbound, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		published: make(map[string]uint64),
	}, nil
}

// Connect establishes the broker connection. paho keeps reconnecting in the
// background after the first success.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	e.start()
	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("emitter: mqtt connect: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishDetection publishes result on <prefix>/detections/<mode>.
func (e *MQTTEmitter) PublishDetection(mode types.Mode, result types.DetectionResult) error {
	return e.publish(DetectionTopic(e.cfg.Prefix, mode), DetectionMessage{
		ClientID:  e.cfg.ClientID,
		Mode:      mode,
		Result:    result,
		Timestamp: time.Now(),
	})
}

// PublishConnection publishes state on <prefix>/connection. The message is
// retained so late subscribers see the current reachability.
func (e *MQTTEmitter) PublishConnection(state types.ConnectionState) error {
	return e.publish(ConnectionTopic(e.cfg.Prefix), ConnectionMessage{
		ClientID:  e.cfg.ClientID,
		State:     state,
		Timestamp: time.Now(),
	})
}

// publish encodes msg and queues it for the worker. It never waits for the
// broker.
func (e *MQTTEmitter) publish(topic string, msg any) error {
	if e.client == nil || !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := e.cfg.Codec.Encode(msg)
	if err != nil {
		e.countError()
		return err
	}

	_, retained := msg.(ConnectionMessage)
	select {
	case e.queue <- outbound{topic: topic, payload: payload, retained: retained}:
		return nil
	default:
		e.mu.Lock()
		e.errors++
		e.dropped++
		e.mu.Unlock()
		return ErrQueueFull
	}
}

// start launches the publish worker once.
func (e *MQTTEmitter) start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.run()
	})
}

func (e *MQTTEmitter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			if n := len(e.queue); n > 0 {
				slog.Debug("emitter: discarding queued messages on shutdown", "count", n)
			}
			return
		case m := <-e.queue:
			e.send(m)
		}
	}
}

// send hands one message to paho and waits up to PublishTimeout for the
// broker to acknowledge it.
func (e *MQTTEmitter) send(m outbound) {
	token := e.client.Publish(m.topic, e.cfg.QoS, m.retained, m.payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		e.countError()
		slog.Warn("emitter: publish timed out", "topic", m.topic, "timeout", e.cfg.PublishTimeout)
		return
	}
	if err := token.Error(); err != nil {
		e.countError()
		slog.Warn("emitter: publish failed", "topic", m.topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published[m.topic]++
	e.mu.Unlock()

	slog.Debug("emitter: message published",
		"topic", m.topic,
		"qos", e.cfg.QoS,
		"codec", e.cfg.Codec,
		"size", len(m.payload),
	)
}

// Disconnect stops the publish worker and closes the broker connection.
// Messages still queued are discarded.
func (e *MQTTEmitter) Disconnect() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// DetectionTopic returns the topic detections for mode are published on.
func DetectionTopic(prefix string, mode types.Mode) string {
	return fmt.Sprintf("%s/detections/%s", prefix, mode)
}

// ConnectionTopic returns the topic connection changes are published on.
func ConnectionTopic(prefix string) string {
	return prefix + "/connection"
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
