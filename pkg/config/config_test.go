package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/config"
	"github.com/clxdb/clxdb/pkg/localcache"
	"github.com/clxdb/clxdb/pkg/lock/local"
)

func setupConfig(t *testing.T) *config.Config {
	t.Helper()

	store, err := localcache.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return config.New(store, local.NewRWLocker())
}

func TestGetRemoteURLNotSet(t *testing.T) {
	t.Parallel()

	c := setupConfig(t)

	_, err := c.GetRemoteURL(t.Context())
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestSetThenGetRemoteURL(t *testing.T) {
	t.Parallel()

	c := setupConfig(t)

	require.NoError(t, c.SetRemoteURL(t.Context(), "s3://bucket/prefix"))

	got, err := c.GetRemoteURL(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/prefix", got)
}

func TestSetOverwritesPreviousValue(t *testing.T) {
	t.Parallel()

	c := setupConfig(t)

	require.NoError(t, c.SetDeviceName(t.Context(), "laptop"))
	require.NoError(t, c.SetDeviceName(t.Context(), "desktop"))

	got, err := c.GetDeviceName(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "desktop", got)
}

func TestCryptoModeRoundTrips(t *testing.T) {
	t.Parallel()

	c := setupConfig(t)

	require.NoError(t, c.SetCryptoMode(t.Context(), "master"))

	got, err := c.GetCryptoMode(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "master", got)
}
