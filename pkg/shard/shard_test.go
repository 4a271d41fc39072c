package shard_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/shard"
)

func seq(n int64) *int64 { return &n }

func TestEncodeParseHeaderRoundTripNoop(t *testing.T) {
	env := crypto.NoopEnvelope{}

	docs := []shard.Document{
		{ID: "a", At: 1000, Seq: seq(1), Data: json.RawMessage(`{"x":1}`)},
		{ID: "b", At: 1001, Seq: seq(2), Data: json.RawMessage(`{"y":2}`)},
	}

	encoded, hash, err := shard.Encode(docs, env)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	headerLen, err := shard.DecodeLengthPrefix(encoded)
	require.NoError(t, err)

	headerBytes := encoded[shard.LengthPrefixSize : shard.LengthPrefixSize+int(headerLen)]

	header, err := shard.ParseHeader(headerBytes)
	require.NoError(t, err)
	require.Len(t, header.Docs, 2)

	assert.Equal(t, "a", header.Docs[0].ID)
	assert.Equal(t, int64(1), header.Docs[0].Seq)
	assert.Equal(t, "b", header.Docs[1].ID)
	assert.Equal(t, int64(2), header.Docs[1].Seq)

	body := encoded[shard.LengthPrefixSize+int(headerLen):]

	for _, entry := range header.Docs {
		part := body[entry.Offset : entry.Offset+entry.Len]

		got, err := env.DecryptShardPart(hash, part)
		require.NoError(t, err)
		assert.JSONEq(t, string(docs[entryIndex(header, entry.ID)].Data), string(got))
	}
}

func entryIndex(h *shard.Header, id string) int {
	for i, e := range h.Docs {
		if e.ID == id {
			return i
		}
	}

	return -1
}

func TestEncodeParseHeaderRoundTripAEAD(t *testing.T) {
	rootKey, err := crypto.NewRootKey()
	require.NoError(t, err)

	env, err := crypto.NewAEADEnvelope(crypto.ModeMaster, rootKey)
	require.NoError(t, err)

	docs := []shard.Document{
		{ID: "a", At: 1000, Seq: seq(1), Data: json.RawMessage(`{"x":1}`)},
		{ID: "b", At: 1001, Seq: seq(2), Del: true},
	}

	encoded, hash, err := shard.Encode(docs, env)
	require.NoError(t, err)

	headerLen, err := shard.DecodeLengthPrefix(encoded)
	require.NoError(t, err)

	encryptedHeader := encoded[shard.LengthPrefixSize : shard.LengthPrefixSize+int(headerLen)]

	headerJSON, err := env.DecryptShardPart(hash, encryptedHeader)
	require.NoError(t, err)

	header, err := shard.ParseHeader(headerJSON)
	require.NoError(t, err)
	require.Len(t, header.Docs, 2)

	assert.True(t, header.Docs[1].Del)

	body := encoded[shard.LengthPrefixSize+int(headerLen):]
	tombstonePart := body[header.Docs[1].Offset : header.Docs[1].Offset+header.Docs[1].Len]

	plain, err := env.DecryptShardPart(hash, tombstonePart)
	require.NoError(t, err)
	assert.Equal(t, "null", string(plain))
}

func TestEncodeRejectsEmptyDocuments(t *testing.T) {
	_, _, err := shard.Encode(nil, crypto.NoopEnvelope{})
	assert.ErrorIs(t, err, shard.ErrEmptyDocuments)
}

func TestEncodeRejectsUnsequencedDocument(t *testing.T) {
	docs := []shard.Document{{ID: "a", At: 1}}

	_, _, err := shard.Encode(docs, crypto.NoopEnvelope{})
	assert.ErrorIs(t, err, shard.ErrUnsequencedDocument)
}

func TestEncodeRejectsTombstoneWithData(t *testing.T) {
	docs := []shard.Document{{ID: "a", At: 1, Seq: seq(1), Del: true, Data: json.RawMessage(`{}`)}}

	_, _, err := shard.Encode(docs, crypto.NoopEnvelope{})
	assert.ErrorIs(t, err, shard.ErrTombstoneWithData)
}

func TestEncodeIsContentAddressed(t *testing.T) {
	docs := []shard.Document{{ID: "a", At: 1, Seq: seq(1), Data: json.RawMessage(`{"x":1}`)}}

	_, hash1, err := shard.Encode(docs, crypto.NoopEnvelope{})
	require.NoError(t, err)

	_, hash2, err := shard.Encode(docs, crypto.NoopEnvelope{})
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2)
}

func TestParseHeaderRejectsNonContiguousOffsets(t *testing.T) {
	header := shard.Header{Docs: []shard.HeaderEntry{
		{ID: "a", Seq: 1, Offset: 0, Len: 4},
		{ID: "b", Seq: 2, Offset: 10, Len: 4},
	}}

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	_, err = shard.ParseHeader(headerJSON)
	assert.ErrorIs(t, err, shard.ErrHeaderInvalid)
}

func TestLevelFormula(t *testing.T) {
	cfg := shard.TierConfig{CompactionThreshold: 4, DesiredShardSize: 5 * 1024 * 1024, MaxShardLevel: 6}

	assert.Equal(t, 0, cfg.Level(1))
	assert.Equal(t, cfg.MaxShardLevel, cfg.Level(5*1024*1024))

	s0 := float64(cfg.DesiredShardSize) / pow(4, 6)
	assert.Equal(t, 0, cfg.Level(int64(s0)))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}

	return result
}
