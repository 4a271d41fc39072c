package clxd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/localcache"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/storage"
)

// ErrDeviceNameRequired is returned when --crypto-mode=quick-unlock is
// requested without --device-name.
var ErrDeviceNameRequired = errors.New("clxd: --device-name is required for --crypto-mode=quick-unlock")

// ErrDeviceNotEnrolled is returned when quick-unlock is requested for a
// device that has no entry in the manifest's crypto descriptor and no
// --crypto-master-password was supplied to enroll it.
var ErrDeviceNotEnrolled = errors.New(
	"clxd: this device has no quick-unlock entry; pass --crypto-master-password once to enroll it",
)

// bootstrapEnvelope builds the crypto.Envelope this process will use,
// peeking at (and, for a first run, initializing) the manifest's crypto
// descriptor as needed. backend must not yet be wrapped by a
// mode-dependent manager; the returned envelope is used for every
// subsequent manifest and shard operation.
func bootstrapEnvelope(
	ctx context.Context, cmd *cli.Command, cryptoMode string, backend storage.Backend, cache *localcache.Store,
) (crypto.Envelope, error) {
	mode, err := parseCryptoMode(cryptoMode)
	if err != nil {
		return nil, err
	}

	if mode == crypto.ModeNone {
		return crypto.NoopEnvelope{}, nil
	}

	password := cmd.String("crypto-password")
	if password == "" {
		return nil, ErrCryptoPasswordRequired
	}

	// Verify is a no-op on NoopEnvelope, so this peek can read the crypto
	// descriptor of a manifest protected by any mode without the real key.
	peek := manifest.NewManager(backend, crypto.NoopEnvelope{})

	m, err := peek.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("clxd: opening manifest to resolve crypto mode: %w", err)
	}

	switch mode {
	case crypto.ModeMaster:
		return bootstrapMaster(ctx, peek, m, password)
	case crypto.ModeQuickUnlock:
		return bootstrapQuickUnlock(ctx, cmd, peek, m, cache, password)
	default:
		return nil, fmt.Errorf("clxd: unsupported crypto mode %v", mode)
	}
}

func bootstrapMaster(ctx context.Context, mgr *manifest.Manager, m *manifest.Manifest, password string) (crypto.Envelope, error) {
	if m.Crypto != nil && len(m.Crypto.MasterKey) > 0 {
		rootKey, err := crypto.DecryptRootKeyWithMaster(m.Crypto.MasterKey, password, m.Crypto.MasterKeySalt)
		if err != nil {
			return nil, fmt.Errorf("clxd: unwrapping root key: %w", err)
		}

		return crypto.NewAEADEnvelope(crypto.ModeMaster, rootKey)
	}

	rootKey, err := crypto.NewRootKey()
	if err != nil {
		return nil, err
	}

	salt, err := crypto.NewMasterKeySalt()
	if err != nil {
		return nil, err
	}

	wrapped, err := crypto.EncryptRootKeyWithMaster(rootKey, password, salt)
	if err != nil {
		return nil, err
	}

	env, err := crypto.NewAEADEnvelope(crypto.ModeMaster, rootKey)
	if err != nil {
		return nil, err
	}

	_, err = mgr.Update(ctx, func(*manifest.Manifest) (manifest.Delta, error) {
		return manifest.Delta{Crypto: &manifest.CryptoDescriptor{
			MasterKey:     wrapped,
			MasterKeySalt: salt,
			DeviceKey:     map[string]manifest.DeviceKeyEntry{},
		}}, nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("clxd: initializing crypto descriptor: %w", err)
	}

	return env, nil
}

func bootstrapQuickUnlock(
	ctx context.Context, cmd *cli.Command, mgr *manifest.Manager, m *manifest.Manifest,
	cache *localcache.Store, password string,
) (crypto.Envelope, error) {
	deviceName := cmd.String("device-name")
	if deviceName == "" {
		return nil, ErrDeviceNameRequired
	}

	deviceID, deviceSecret, err := deviceIdentity(ctx, cache)
	if err != nil {
		return nil, err
	}

	if m.Crypto != nil {
		if entry, ok := m.Crypto.DeviceKey[deviceID]; ok {
			rootKey, err := crypto.DecryptRootKeyWithQuickUnlock(entry.Key, deviceSecret, password)
			if err != nil {
				return nil, fmt.Errorf("clxd: unwrapping root key via quick-unlock: %w", err)
			}

			return crypto.NewAEADEnvelope(crypto.ModeQuickUnlock, rootKey)
		}
	}

	masterPassword := cmd.String("crypto-master-password")
	if masterPassword == "" || m.Crypto == nil || len(m.Crypto.MasterKey) == 0 {
		return nil, ErrDeviceNotEnrolled
	}

	rootKey, err := crypto.DecryptRootKeyWithMaster(m.Crypto.MasterKey, masterPassword, m.Crypto.MasterKeySalt)
	if err != nil {
		return nil, fmt.Errorf("clxd: unwrapping root key to enroll device: %w", err)
	}

	wrapped, err := crypto.EncryptRootKeyWithQuickUnlock(rootKey, deviceSecret, password)
	if err != nil {
		return nil, err
	}

	_, err = mgr.Update(ctx, func(cur *manifest.Manifest) (manifest.Delta, error) {
		desc := *cur.Crypto
		desc.DeviceKey = make(map[string]manifest.DeviceKeyEntry, len(cur.Crypto.DeviceKey)+1)

		for id, entry := range cur.Crypto.DeviceKey {
			desc.DeviceKey[id] = entry
		}

		desc.DeviceKey[deviceID] = manifest.DeviceKeyEntry{Key: wrapped, DeviceName: deviceName}

		return manifest.Delta{Crypto: &desc}, nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("clxd: enrolling device for quick-unlock: %w", err)
	}

	return crypto.NewAEADEnvelope(crypto.ModeQuickUnlock, rootKey)
}

// deviceIdentity returns this device's stable id (hex of its persisted
// secret) and the raw secret itself, generating and persisting one on
// first use.
func deviceIdentity(ctx context.Context, cache *localcache.Store) (id string, secret []byte, err error) {
	secret, err = cache.Get(ctx, localcache.KeyDeviceID)
	if errors.Is(err, localcache.ErrNotFound) {
		secret, err = crypto.NewDeviceKey()
		if err != nil {
			return "", nil, err
		}

		if err := cache.Set(ctx, localcache.KeyDeviceID, secret); err != nil {
			return "", nil, err
		}
	} else if err != nil {
		return "", nil, err
	}

	return hex.EncodeToString(secret), secret, nil
}
