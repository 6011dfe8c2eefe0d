// Package mqtt exports ADS notification samples to an MQTT broker and
// accepts tag writes published back to a write topic.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"adslink/ads"
	"adslink/config"
	"adslink/logging"
	"adslink/namespace"
)

const (
	maxWriteWorkers   = 5
	maxWriteQueueSize = 100
)

// writeJob is a pending tag write received from the broker.
type writeJob struct {
	symbol string
	value  interface{}
}

// Sink publishes a single ADS target's notification samples to one MQTT
// broker and relays incoming write-topic messages back into the
// connection via its facade Command.
type Sink struct {
	cfg    *config.MQTTConfig
	conn   *ads.Connection
	ns     *namespace.Builder
	target string // ADS target name, reported in each TagMessage's Target field

	mu      sync.RWMutex
	client  pahomqtt.Client
	running bool

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// TagMessage is the JSON document published for each sample.
type TagMessage struct {
	Topic     string      `json:"topic"`
	Target    string      `json:"target"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the expected JSON body on the write topic.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// NewSink creates a publisher bound to one MQTT broker and one ADS
// connection. ns and targetName seed the topic namespace builder.
func NewSink(cfg *config.MQTTConfig, conn *ads.Connection, ns, targetName string) *Sink {
	return &Sink{
		cfg:        cfg,
		conn:       conn,
		ns:         namespace.New(ns, targetName, cfg.Selector),
		target:     targetName,
		writeQueue: make(chan writeJob, maxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the sink's configured name.
func (s *Sink) Name() string { return s.cfg.Name }

// IsRunning reports whether the sink is connected.
func (s *Sink) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start connects to the broker and begins accepting write-topic messages.
func (s *Sink) Start() error {
	s.mu.RLock()
	if s.running {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	if s.cfg.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", s.cfg.Broker, s.cfg.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Broker, s.cfg.Port))
	}
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "connecting to broker %s:%d", s.cfg.Broker, s.cfg.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt: %w", token.Error())
	}
	logging.DebugLog("mqtt", "connected to broker %s:%d", s.cfg.Broker, s.cfg.Port)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	s.client = client
	s.running = true
	s.mu.Unlock()

	s.startWriteWorkers()
	s.subscribeWriteTopic()

	return nil
}

func (s *Sink) startWriteWorkers() {
	for i := 0; i < maxWriteWorkers; i++ {
		s.wg.Add(1)
		go s.writeWorker()
	}
}

func (s *Sink) writeWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case job, ok := <-s.writeQueue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.conn.Command(ctx, "value", job.symbol, job.value)
			cancel()
			if err != nil {
				logging.DebugError("mqtt", "write "+job.symbol, err)
			}
		}
	}
}

func (s *Sink) subscribeWriteTopic() {
	topic := s.writeTopic()
	s.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		var req WriteRequest
		if err := json.Unmarshal(msg.Payload(), &req); err != nil {
			logging.DebugError("mqtt", "decode write request", err)
			return
		}
		select {
		case s.writeQueue <- writeJob{symbol: req.Tag, value: req.Value}:
		default:
			logging.DebugLog("mqtt", "write queue full, dropping request for %s", req.Tag)
		}
	})
}

// Stop disconnects from the broker and drains the write workers.
func (s *Sink) Stop() {
	s.mu.Lock()
	if !s.running || s.client == nil {
		s.mu.Unlock()
		return
	}
	s.running = false
	client := s.client
	s.client = nil
	oldStop := s.stopChan
	s.stopChan = make(chan struct{})
	s.writeQueue = make(chan writeJob, maxWriteQueueSize)
	s.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

func (s *Sink) topic(symbol string) string {
	return s.ns.MQTTTagTopic(symbol)
}

func (s *Sink) writeTopic() string {
	return s.ns.MQTTWriteTopic()
}

// Publish sends one decoded sample to the broker as a TagMessage.
func (s *Sink) Publish(symbol string, writable bool, value interface{}, at time.Time) bool {
	s.mu.RLock()
	running, client := s.running, s.client
	s.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	msg := TagMessage{
		Topic:     s.topic(symbol),
		Target:    s.target,
		Tag:       symbol,
		Value:     value,
		Writable:  writable,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.DebugError("mqtt", "marshal tag message", err)
		return false
	}

	token := client.Publish(msg.Topic, 0, false, payload)
	return token.WaitTimeout(2 * time.Second)
}
