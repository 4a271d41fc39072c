package clxd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/clxdb/clxdb/pkg/circuitbreaker"
	"github.com/clxdb/clxdb/pkg/config"
	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/helper"
	"github.com/clxdb/clxdb/pkg/localcache"
	"github.com/clxdb/clxdb/pkg/localdb"
	"github.com/clxdb/clxdb/pkg/lock"
	"github.com/clxdb/clxdb/pkg/lock/local"
	lockredis "github.com/clxdb/clxdb/pkg/lock/redis"
	"github.com/clxdb/clxdb/pkg/manifest"
	pkgs3 "github.com/clxdb/clxdb/pkg/s3"
	"github.com/clxdb/clxdb/pkg/shard"
	"github.com/clxdb/clxdb/pkg/shardmgr"
	"github.com/clxdb/clxdb/pkg/storage"
	storagelocal "github.com/clxdb/clxdb/pkg/storage/local"
	storages3 "github.com/clxdb/clxdb/pkg/storage/s3"
	"github.com/clxdb/clxdb/pkg/storage/webdav"
)

// ErrRemoteURLRequired is returned when no --remote-url is configured.
var ErrRemoteURLRequired = errors.New("clxd: --remote-url is required (scheme one of file, s3, webdav)")

// ErrCryptoPasswordRequired is returned when --crypto-mode needs a password
// that was not supplied.
var ErrCryptoPasswordRequired = errors.New("clxd: --crypto-password is required for this --crypto-mode")

func storageFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name: "remote-url",
			Usage: "Remote storage URL: file:///path, s3://bucket, or webdav://host/path. " +
				"Required on first run against a data dir; remembered after that.",
			Sources: flagSources("remote.url", "CLXD_REMOTE_URL"),
		},
		&cli.StringFlag{
			Name:    "s3-endpoint",
			Usage:   "S3-compatible endpoint including scheme, e.g. https://s3.amazonaws.com (used when --remote-url has the s3 scheme)",
			Sources: flagSources("remote.s3.endpoint", "CLXD_S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "s3-access-key-id",
			Usage:   "S3 access key ID (used when --remote-url has the s3 scheme)",
			Sources: flagSources("remote.s3.access-key-id", "CLXD_S3_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "s3-secret-access-key",
			Usage:   "S3 secret access key (used when --remote-url has the s3 scheme)",
			Sources: flagSources("remote.s3.secret-access-key", "CLXD_S3_SECRET_ACCESS_KEY"),
		},
		&cli.StringFlag{
			Name:    "s3-region",
			Usage:   "S3 region (used when --remote-url has the s3 scheme)",
			Sources: flagSources("remote.s3.region", "CLXD_S3_REGION"),
		},
		&cli.StringFlag{
			Name:    "webdav-netrc-file",
			Usage:   "Path to a netrc file carrying WebDAV credentials",
			Sources: flagSources("remote.webdav.netrc-file", "CLXD_WEBDAV_NETRC_FILE"),
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "Local directory for the client's state: local cache, document store, config",
			Sources: flagSources("local.data-dir", "CLXD_DATA_DIR"),
			Value:   defaultDataDir(),
		},
		&cli.StringFlag{
			Name:    "device-name",
			Usage:   "Human-readable name for this device, recorded in the manifest's crypto descriptor",
			Sources: flagSources("local.device-name", "CLXD_DEVICE_NAME"),
		},
		&cli.StringFlag{
			Name:    "crypto-mode",
			Usage:   "Encryption mode: none, master, or quick-unlock",
			Sources: flagSources("crypto.mode", "CLXD_CRYPTO_MODE"),
			Value:   "none",
			Validator: func(s string) error {
				_, err := parseCryptoMode(s)

				return err
			},
		},
		&cli.StringFlag{
			Name:    "crypto-password",
			Usage:   "Master password (mode=master) or quick-unlock password (mode=quick-unlock)",
			Sources: flagSources("crypto.password", "CLXD_CRYPTO_PASSWORD"),
		},
		&cli.StringFlag{
			Name:    "crypto-master-password",
			Usage:   "Master password used once to enroll this device into an existing quick-unlock manifest",
			Sources: flagSources("crypto.master-password", "CLXD_CRYPTO_MASTER_PASSWORD"),
		},
		&cli.DurationFlag{
			Name:    "circuit-breaker-timeout",
			Usage:   "How long the remote storage circuit breaker stays open after tripping",
			Sources: flagSources("remote.circuit-breaker.timeout", "CLXD_CIRCUIT_BREAKER_TIMEOUT"),
			Value:   1 * time.Minute,
		},
		&cli.IntFlag{
			Name:    "circuit-breaker-threshold",
			Usage:   "Consecutive remote-storage failures before the circuit breaker opens",
			Sources: flagSources("remote.circuit-breaker.threshold", "CLXD_CIRCUIT_BREAKER_THRESHOLD"),
			Value:   int64(circuitbreaker.DefaultThreshold),
		},
		&cli.IntFlag{
			Name:    "compaction-threshold",
			Usage:   "Number of same-level shards that triggers a compaction merge",
			Sources: flagSources("tiers.compaction-threshold", "CLXD_COMPACTION_THRESHOLD"),
			Value:   4,
		},
		&cli.StringFlag{
			Name:    "desired-shard-size",
			Usage:   "Target size for a top-tier shard, e.g. 5M, 512K",
			Sources: flagSources("tiers.desired-shard-size", "CLXD_DESIRED_SHARD_SIZE"),
			Value:   "5M",
		},
		&cli.IntFlag{
			Name:    "max-shard-level",
			Usage:   "Highest compaction tier level",
			Sources: flagSources("tiers.max-shard-level", "CLXD_MAX_SHARD_LEVEL"),
			Value:   6,
		},
		&cli.IntFlag{
			Name:    "vacuum-count",
			Usage:   "Number of top-tier shards sampled per vacuum pass",
			Sources: flagSources("vacuum.count", "CLXD_VACUUM_COUNT"),
			Value:   3,
		},
		&cli.FloatFlag{
			Name:    "vacuum-threshold",
			Usage:   "Minimum reclaimable fraction of a shard that triggers a rewrite",
			Sources: flagSources("vacuum.threshold", "CLXD_VACUUM_THRESHOLD"),
			Value:   0.15,
		},
		&cli.DurationFlag{
			Name:    "gc-grace-period",
			Usage:   "Minimum age of an unreferenced shard before the garbage collector deletes it",
			Sources: flagSources("gc.grace-period", "CLXD_GC_GRACE_PERIOD"),
			Value:   1 * time.Hour,
		},
		&cli.DurationFlag{
			Name:    "sync-interval",
			Usage:   "Interval between scheduled sync cycles run by the serve command",
			Sources: flagSources("sync.interval", "CLXD_SYNC_INTERVAL"),
			Value:   5 * time.Minute,
		},
		&cli.StringFlag{
			Name:    "status-server-addr",
			Usage:   "Address the status HTTP server listens on",
			Sources: flagSources("status.addr", "CLXD_STATUS_ADDR"),
			Value:   ":8511",
		},
		&cli.StringSliceFlag{
			Name: "lock-redis-addrs",
			Usage: "Redis addresses for the manifest update contention lock (Redlock). " +
				"When unset, a local in-process lock is used instead.",
			Sources: flagSources("lock.redis.addrs", "CLXD_LOCK_REDIS_ADDRS"),
		},
		&cli.StringFlag{
			Name:    "lock-redis-key-prefix",
			Usage:   "Key prefix for the Redis contention lock",
			Sources: flagSources("lock.redis.key-prefix", "CLXD_LOCK_REDIS_KEY_PREFIX"),
			Value:   "clxd",
		},
		&cli.BoolFlag{
			Name:    "lock-allow-degraded",
			Usage:   "Fall back to a local lock when Redis is unreachable, instead of failing updates",
			Sources: flagSources("lock.allow-degraded", "CLXD_LOCK_ALLOW_DEGRADED"),
			Value:   true,
		},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".clxd"
	}

	return filepath.Join(dir, "clxd")
}

func parseCryptoMode(s string) (crypto.Mode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return crypto.ModeNone, nil
	case "master":
		return crypto.ModeMaster, nil
	case "quick-unlock":
		return crypto.ModeQuickUnlock, nil
	default:
		return 0, fmt.Errorf("clxd: unknown crypto mode %q", s)
	}
}

func tierConfig(cmd *cli.Command) (shard.TierConfig, error) {
	size, err := helper.ParseSize(cmd.String("desired-shard-size"))
	if err != nil {
		return shard.TierConfig{}, fmt.Errorf("clxd: parsing --desired-shard-size: %w", err)
	}

	return shard.TierConfig{
		CompactionThreshold: int(cmd.Int("compaction-threshold")),
		DesiredShardSize:    int64(size),
		MaxShardLevel:       int(cmd.Int("max-shard-level")),
	}, nil
}

// deps bundles the dependencies every subcommand wires up from flags.
type deps struct {
	backend     storage.Backend
	manifestMgr *manifest.Manager
	shardMgr    *shardmgr.Manager
	cache       *localcache.Store
	db          *localdb.Store
	cfg         *config.Config
	cryptoMode  string
	tiers       shard.TierConfig
}

func (d *deps) Close() {
	if d.cache != nil {
		_ = d.cache.Close()
	}

	if d.db != nil {
		_ = d.db.Close()
	}
}

func buildDeps(ctx context.Context, cmd *cli.Command) (*deps, error) {
	dataDir := cmd.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("clxd: creating data dir %q: %w", dataDir, err)
	}

	cache, err := localcache.Open(filepath.Join(dataDir, "cache.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("clxd: opening local cache: %w", err)
	}

	db, err := localdb.Open(filepath.Join(dataDir, "documents.sqlite"))
	if err != nil {
		_ = cache.Close()

		return nil, fmt.Errorf("clxd: opening local document store: %w", err)
	}

	cfg := config.New(cache, local.NewRWLocker())

	remoteURL, err := reconcileRemoteURL(ctx, cfg, cmd)
	if err != nil {
		_ = cache.Close()
		_ = db.Close()

		return nil, err
	}

	if deviceName := cmd.String("device-name"); deviceName != "" {
		if err := cfg.SetDeviceName(ctx, deviceName); err != nil {
			_ = cache.Close()
			_ = db.Close()

			return nil, fmt.Errorf("clxd: persisting device name: %w", err)
		}
	}

	cryptoMode, err := reconcileCryptoMode(ctx, cfg, cmd)
	if err != nil {
		_ = cache.Close()
		_ = db.Close()

		return nil, err
	}

	backend, err := buildStorageBackend(ctx, cmd, remoteURL)
	if err != nil {
		_ = cache.Close()
		_ = db.Close()

		return nil, err
	}

	tiers, err := tierConfig(cmd)
	if err != nil {
		_ = cache.Close()
		_ = db.Close()

		return nil, err
	}

	env, err := bootstrapEnvelope(ctx, cmd, cryptoMode, backend, cache)
	if err != nil {
		_ = cache.Close()
		_ = db.Close()

		return nil, err
	}

	contentionLock, err := buildContentionLock(ctx, cmd)
	if err != nil {
		_ = cache.Close()
		_ = db.Close()

		return nil, err
	}

	manifestMgr := manifest.NewManager(backend, env, manifest.WithContentionLock(contentionLock))
	shardMgr := shardmgr.New(backend, env, cache)

	return &deps{
		backend:     backend,
		manifestMgr: manifestMgr,
		shardMgr:    shardMgr,
		cache:       cache,
		db:          db,
		cfg:         cfg,
		cryptoMode:  cryptoMode,
		tiers:       tiers,
	}, nil
}

// reconcileCryptoMode resolves the envelope mode a client operates under,
// the same way reconcileRemoteURL resolves the remote URL: an explicit
// --crypto-mode is persisted for future runs, while an unset one falls back
// to whatever mode this data dir was last initialized under. Unlike
// --remote-url, --crypto-mode carries a default ("none"), so cmd.IsSet
// distinguishes "the user typed --crypto-mode=none" from "the flag wasn't
// given" — without it, every later invocation that omits the flag would
// silently downgrade an encrypted data dir to no encryption.
func reconcileCryptoMode(ctx context.Context, cfg *config.Config, cmd *cli.Command) (string, error) {
	if cmd.IsSet("crypto-mode") {
		mode := cmd.String("crypto-mode")
		if err := cfg.SetCryptoMode(ctx, mode); err != nil {
			return "", fmt.Errorf("clxd: persisting crypto mode: %w", err)
		}

		return mode, nil
	}

	stored, err := cfg.GetCryptoMode(ctx)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return cmd.String("crypto-mode"), nil
		}

		return "", fmt.Errorf("clxd: reading remembered crypto mode: %w", err)
	}

	return stored, nil
}

// buildContentionLock builds the lock Update uses as a pre-CAS contention
// hint. With no Redis addresses configured, a local in-process lock still
// serializes concurrent goroutines within this one clxd (sync scheduler and
// compaction both call Update); with addresses configured, a Redlock across
// Redis nodes extends that hint across clxd processes sharing one remote.
func buildContentionLock(ctx context.Context, cmd *cli.Command) (lock.Locker, error) {
	addrs := cmd.StringSlice("lock-redis-addrs")
	if len(addrs) == 0 {
		return local.NewLocker(), nil
	}

	l, err := lockredis.NewLocker(
		ctx,
		lockredis.Config{Addrs: addrs, KeyPrefix: cmd.String("lock-redis-key-prefix")},
		lockredis.RetryConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 1 * time.Second, Jitter: true},
		cmd.Bool("lock-allow-degraded"),
	)
	if err != nil {
		return nil, fmt.Errorf("clxd: building redis contention lock: %w", err)
	}

	return l, nil
}

// reconcileRemoteURL resolves the remote storage URL a client operates
// against: an explicit --remote-url is recorded into pkg/config for future
// runs, while an omitted one falls back to whatever was recorded on a
// previous run against the same data dir.
func reconcileRemoteURL(ctx context.Context, cfg *config.Config, cmd *cli.Command) (string, error) {
	if flagVal := cmd.String("remote-url"); flagVal != "" {
		if err := cfg.SetRemoteURL(ctx, flagVal); err != nil {
			return "", fmt.Errorf("clxd: persisting remote URL: %w", err)
		}

		return flagVal, nil
	}

	stored, err := cfg.GetRemoteURL(ctx)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return "", ErrRemoteURLRequired
		}

		return "", fmt.Errorf("clxd: reading remembered remote URL: %w", err)
	}

	return stored, nil
}

func buildStorageBackend(ctx context.Context, cmd *cli.Command, remote string) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)

	switch {
	case strings.HasPrefix(remote, "file://"):
		backend, err = storagelocal.New(strings.TrimPrefix(remote, "file://"))
	case strings.HasPrefix(remote, "s3://"):
		backend, err = storages3.New(ctx, pkgs3.Config{
			Bucket:          strings.TrimPrefix(remote, "s3://"),
			Region:          cmd.String("s3-region"),
			Endpoint:        cmd.String("s3-endpoint"),
			AccessKeyID:     cmd.String("s3-access-key-id"),
			SecretAccessKey: cmd.String("s3-secret-access-key"),
		})
	case strings.HasPrefix(remote, "webdav://"):
		backend, err = webdav.New("https://"+strings.TrimPrefix(remote, "webdav://"), nil, cmd.String("webdav-netrc-file"))
	default:
		return nil, fmt.Errorf("%w: got %q", ErrRemoteURLRequired, remote)
	}

	if err != nil {
		return nil, fmt.Errorf("clxd: building storage backend for %q: %w", remote, err)
	}

	cb := circuitbreaker.New(int(cmd.Int("circuit-breaker-threshold")), cmd.Duration("circuit-breaker-timeout"))

	return storage.WithCircuitBreaker(backend, cb), nil
}
