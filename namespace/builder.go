// Package namespace constructs topic and key names with consistent
// namespace prefixing across the notification-export sinks (MQTT, Kafka)
// and the Valkey catalog cache.
package namespace

import "strconv"

// Builder constructs namespace-prefixed topics and keys for one ADS target.
type Builder struct {
	namespace string
	target    string
	selector  string
}

// New creates a builder for the given config namespace, target name, and
// optional selector (a sub-grouping within the target, such as a PLC task
// name).
func New(ns, target, selector string) *Builder {
	return &Builder{namespace: ns, target: target, selector: selector}
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a symbol's samples: {ns}/{target}[/{sel}]/tags/{symbol}
func (b *Builder) MQTTTagTopic(symbol string) string {
	return b.mqttBase() + "/tags/" + symbol
}

// MQTTWriteTopic returns the topic write requests are published to: {ns}/{target}[/{sel}]/write
func (b *Builder) MQTTWriteTopic() string {
	return b.mqttBase() + "/write"
}

func (b *Builder) mqttBase() string {
	base := b.namespace + "/" + b.target
	if b.selector != "" {
		base += "/" + b.selector
	}
	return base
}

// --- Kafka (delimiter: .) ---

// KafkaTagTopic returns the topic samples are produced to: {ns}.{target}[.{sel}].tags
func (b *Builder) KafkaTagTopic() string {
	base := b.namespace + "." + b.target
	if b.selector != "" {
		base += "." + b.selector
	}
	return base + ".tags"
}

// --- Valkey (delimiter: :) ---

// ValkeyCatalogKey returns the key a cached symbol catalog is stored under:
// {ns}:{target}:catalog:{port}
func (b *Builder) ValkeyCatalogKey(port uint16) string {
	return b.namespace + ":" + b.target + ":catalog:" + strconv.Itoa(int(port))
}
