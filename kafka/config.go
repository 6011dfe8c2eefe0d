// Package kafka exports ADS notification samples to a Kafka topic.
package kafka

import (
	"crypto/tls"

	"adslink/config"
)

// SASL mechanism names accepted in config.KafkaConfig.SASLMechanism.
const (
	saslPlain       = "PLAIN"
	saslSCRAMSHA256 = "SCRAM-SHA-256"
	saslSCRAMSHA512 = "SCRAM-SHA-512"
)

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
}

func autoCreateTopics(cfg *config.KafkaConfig) bool {
	return cfg.AutoCreateTopics == nil || *cfg.AutoCreateTopics
}
