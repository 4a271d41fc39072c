package clxd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/crypto"
)

func TestNewBuildsExpectedSubcommands(t *testing.T) {
	t.Parallel()

	cmd := New()

	assert.Equal(t, "clxd", cmd.Name)

	names := make([]string, 0, len(cmd.Commands))
	for _, sub := range cmd.Commands {
		names = append(names, sub.Name)
	}

	assert.ElementsMatch(t, []string{"serve", "sync", "compact", "vacuum", "gc", "inspect"}, names)
}

func TestParseCryptoMode(t *testing.T) {
	t.Parallel()

	mode, err := parseCryptoMode("master")
	require.NoError(t, err)
	assert.Equal(t, crypto.ModeMaster, mode)

	mode, err = parseCryptoMode("")
	require.NoError(t, err)
	assert.Equal(t, crypto.ModeNone, mode)

	_, err = parseCryptoMode("bogus")
	require.Error(t, err)
}
