// Package config persists the client-level settings clxd needs across
// restarts but that are not already owned by the localcache KV store's
// well-known keys (device id, root key, last-sequence watermark): the
// paired remote URL and device name a client was first initialized with,
// and the crypto mode it was unlocked under.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clxdb/clxdb/pkg/localcache"
	"github.com/clxdb/clxdb/pkg/lock"
)

const (
	// KeyRemoteURL is the key for the configured remote storage URL.
	KeyRemoteURL = "remote_url"
	// KeyDeviceName is the key for this device's human-readable name,
	// recorded into the manifest's device key entry on first unlock.
	KeyDeviceName = "device_name"
	// KeyCryptoMode is the key for the envelope mode ("none", "master", or
	// "quick-unlock") this client was initialized under.
	KeyCryptoMode = "crypto_mode"

	lockKeyPrefix = "config_"
	lockTTL       = 5 * time.Minute
)

// ErrConfigNotFound is returned if no config with this key was found.
var ErrConfigNotFound = errors.New("config: no value found for this key")

// Config provides access to the client's persistent settings, guarding
// each key with an RWLocker so that a concurrent Set during cmd startup
// can't race a Get observing a torn write.
type Config struct {
	store    *localcache.Store
	rwLocker lock.RWLocker
}

// New returns a new Config instance.
func New(store *localcache.Store, rwLocker lock.RWLocker) *Config {
	return &Config{store: store, rwLocker: rwLocker}
}

// GetRemoteURL returns the configured remote storage URL.
func (c *Config) GetRemoteURL(ctx context.Context) (string, error) {
	return c.get(ctx, KeyRemoteURL)
}

// SetRemoteURL stores the remote storage URL.
func (c *Config) SetRemoteURL(ctx context.Context, value string) error {
	return c.set(ctx, KeyRemoteURL, value)
}

// GetDeviceName returns this device's configured name.
func (c *Config) GetDeviceName(ctx context.Context) (string, error) {
	return c.get(ctx, KeyDeviceName)
}

// SetDeviceName stores this device's name.
func (c *Config) SetDeviceName(ctx context.Context, value string) error {
	return c.set(ctx, KeyDeviceName, value)
}

// GetCryptoMode returns the envelope mode this client was initialized
// under.
func (c *Config) GetCryptoMode(ctx context.Context) (string, error) {
	return c.get(ctx, KeyCryptoMode)
}

// SetCryptoMode stores the envelope mode this client was initialized
// under.
func (c *Config) SetCryptoMode(ctx context.Context, value string) error {
	return c.set(ctx, KeyCryptoMode, value)
}

func (c *Config) get(ctx context.Context, key string) (string, error) {
	lockKey := getLockKey(key)

	if err := c.rwLocker.RLock(ctx, lockKey, lockTTL); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to acquire read lock")

		return "", fmt.Errorf("failed to acquire read lock: %w", err)
	}

	defer func() {
		if err := c.rwLocker.RUnlock(ctx, lockKey); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to release read lock")
		}
	}()

	value, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, localcache.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, key)
		}

		return "", err
	}

	return string(value), nil
}

func (c *Config) set(ctx context.Context, key, value string) error {
	lockKey := getLockKey(key)

	if err := c.rwLocker.Lock(ctx, lockKey, lockTTL); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to acquire write lock")

		return fmt.Errorf("failed to acquire write lock: %w", err)
	}

	defer func() {
		if err := c.rwLocker.Unlock(ctx, lockKey); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to release write lock")
		}
	}()

	return c.store.Set(ctx, key, []byte(value))
}

func getLockKey(key string) string {
	return lockKeyPrefix + key
}
