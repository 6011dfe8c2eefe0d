// Package valkey caches a target's discovered symbol catalog in Valkey (or
// any Redis-protocol store), so a process restart does not have to pay for
// a fresh UploadInfo2/Upload round trip against the PLC before it can serve
// symbol lookups.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"adslink/ads"
	"adslink/config"
	"adslink/logging"
	"adslink/namespace"
)

// Cache stores and retrieves ads.Catalog snapshots keyed by target name and
// AMS port.
type Cache struct {
	cfg    *config.ValkeyConfig
	client *redis.Client
	ns     *namespace.Builder
}

// NewCache creates a cache bound to one Valkey server for the named ADS
// target. Connect must be called before use.
func NewCache(cfg *config.ValkeyConfig, ns, targetName string) *Cache {
	return &Cache{cfg: cfg, ns: namespace.New(ns, targetName, "")}
}

// Connect dials the server and verifies it is reachable.
func (c *Cache) Connect(ctx context.Context) error {
	opts := &redis.Options{
		Addr:         c.cfg.Address,
		Password:     c.cfg.Password,
		DB:           c.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if c.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugLog("valkey", "connecting to %s (db %d)", c.cfg.Address, c.cfg.Database)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("valkey: connect to %s: %w", c.cfg.Address, err)
	}
	c.client = client
	logging.DebugLog("valkey", "connected to %s", c.cfg.Address)
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Store saves a catalog snapshot with the configured TTL. A zero TTL means
// the entry never expires.
func (c *Cache) Store(ctx context.Context, port uint16, cat *ads.Catalog) error {
	payload, err := json.Marshal(cat.Symbols)
	if err != nil {
		return fmt.Errorf("valkey: marshal catalog: %w", err)
	}
	if err := c.client.Set(ctx, c.ns.ValkeyCatalogKey(port), payload, c.cfg.CacheTTL).Err(); err != nil {
		return fmt.Errorf("valkey: store catalog: %w", err)
	}
	return nil
}

// Load retrieves a cached catalog, reporting false if no entry exists (or
// it expired).
func (c *Cache) Load(ctx context.Context, port uint16) (*ads.Catalog, bool) {
	raw, err := c.client.Get(ctx, c.ns.ValkeyCatalogKey(port)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.DebugError("valkey", "load catalog", err)
		}
		return nil, false
	}

	var symbols []*ads.Symbol
	if err := json.Unmarshal(raw, &symbols); err != nil {
		logging.DebugError("valkey", "decode cached catalog", err)
		return nil, false
	}

	cat := &ads.Catalog{Port: port, Symbols: symbols}
	for _, sym := range symbols {
		cat.Index(sym)
	}
	return cat, true
}

// Invalidate removes a cached catalog, forcing the next lookup to
// rediscover it from the device.
func (c *Cache) Invalidate(ctx context.Context, port uint16) error {
	return c.client.Del(ctx, c.ns.ValkeyCatalogKey(port)).Err()
}
