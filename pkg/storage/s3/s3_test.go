package s3_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clxdb/clxdb/pkg/s3"
	clxs3 "github.com/clxdb/clxdb/pkg/storage/s3"
)

func TestKeyPrefixing(t *testing.T) {
	b := &clxs3.Backend{}

	assert.Equal(t, "manifest.json", b.Key("manifest.json"))
	assert.Equal(t, "shards/shard_abc.clx", b.Key("/shards/shard_abc.clx"))
}

func TestConfigValidationRejectsMissingBucket(t *testing.T) {
	err := s3.ValidateConfig(s3.Config{
		Endpoint:        "https://s3.example.com",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	})
	assert.ErrorIs(t, err, s3.ErrBucketRequired)
}
