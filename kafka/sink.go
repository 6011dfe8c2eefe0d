package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"adslink/config"
	"adslink/logging"
	"adslink/namespace"
)

// TagMessage is the JSON document produced for each sample. Shared shape
// with mqtt.TagMessage so downstream consumers see the same schema
// regardless of transport.
type TagMessage struct {
	Topic     string      `json:"topic"`
	Target    string      `json:"target"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// Sink publishes one ADS target's notification samples to a Kafka topic.
// Unlike the mqtt Sink, it has no write-back path: Kafka's consumer-group
// model has no notion of "the one listener" a tag write could address, so
// writes continue to go through the web or ssh facades directly.
type Sink struct {
	cfg  *config.KafkaConfig
	name string // target name, reported in each TagMessage's Target field
	ns   *namespace.Builder

	mu      sync.RWMutex
	writer  *kafka.Writer
	running bool
}

// NewSink creates a publisher bound to one Kafka cluster for the named ADS
// target. ns seeds the topic namespace builder.
func NewSink(cfg *config.KafkaConfig, ns, targetName string) *Sink {
	return &Sink{cfg: cfg, name: targetName, ns: namespace.New(ns, targetName, cfg.Selector)}
}

// Name returns the sink's configured name.
func (s *Sink) Name() string { return s.cfg.Name }

// IsRunning reports whether the sink has an active writer.
func (s *Sink) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start verifies connectivity to the cluster and opens the topic writer.
func (s *Sink) Start() error {
	s.mu.RLock()
	if s.running {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	if len(s.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured for %q", s.cfg.Name)
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	if mech := s.saslMechanism(); mech != nil {
		dialer.SASLMechanism = mech
	}
	if tc := tlsConfig(s.cfg); tc != nil {
		dialer.TLS = tc
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logging.DebugLog("kafka", "connecting to brokers %v", s.cfg.Brokers)
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: connect to %s: %w", s.cfg.Brokers[0], err)
	}
	conn.Close()
	logging.DebugLog("kafka", "connected to brokers %v", s.cfg.Brokers)

	transport := &kafka.Transport{DialTimeout: 10 * time.Second}
	if mech := s.saslMechanism(); mech != nil {
		transport.SASL = mech
	}
	if tc := tlsConfig(s.cfg); tc != nil {
		transport.TLS = tc
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(s.cfg.Brokers...),
		Topic:                  s.topic(),
		Balancer:               &kafka.Hash{},
		Transport:              transport,
		RequiredAcks:           kafka.RequiredAcks(s.cfg.RequiredAcks),
		Async:                  false,
		MaxAttempts:            s.cfg.MaxRetries,
		BatchSize:              100,
		BatchBytes:             1048576,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: autoCreateTopics(s.cfg),
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		writer.Close()
		return nil
	}
	s.writer = writer
	s.running = true
	s.mu.Unlock()

	return nil
}

// Stop closes the topic writer.
func (s *Sink) Stop() {
	s.mu.Lock()
	if !s.running || s.writer == nil {
		s.mu.Unlock()
		return
	}
	s.running = false
	writer := s.writer
	s.writer = nil
	s.mu.Unlock()

	if err := writer.Close(); err != nil {
		logging.DebugError("kafka", "close writer", err)
	}
}

func (s *Sink) topic() string {
	return s.ns.KafkaTagTopic()
}

// Publish sends one decoded sample to the cluster as a TagMessage, keyed by
// symbol name so each tag's messages go to one partition and keep their order.
func (s *Sink) Publish(symbol string, writable bool, value interface{}, at time.Time) bool {
	s.mu.RLock()
	writer, running := s.writer, s.running
	s.mu.RUnlock()
	if !running || writer == nil {
		return false
	}

	msg := TagMessage{
		Topic:     s.topic(),
		Target:    s.name,
		Tag:       symbol,
		Value:     value,
		Writable:  writable,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.DebugError("kafka", "marshal tag message", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.WriteMessages(ctx, kafka.Message{Key: []byte(symbol), Value: payload, Time: at}); err != nil {
		logging.DebugError("kafka", "produce "+symbol, err)
		return false
	}
	return true
}

func (s *Sink) saslMechanism() sasl.Mechanism {
	if s.cfg.Username == "" {
		return nil
	}
	switch s.cfg.SASLMechanism {
	case saslPlain:
		return plain.Mechanism{Username: s.cfg.Username, Password: s.cfg.Password}
	case saslSCRAMSHA256:
		mech, _ := scram.Mechanism(scram.SHA256, s.cfg.Username, s.cfg.Password)
		return mech
	case saslSCRAMSHA512:
		mech, _ := scram.Mechanism(scram.SHA512, s.cfg.Username, s.cfg.Password)
		return mech
	default:
		return nil
	}
}
