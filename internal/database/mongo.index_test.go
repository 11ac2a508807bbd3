package database

import (
	"testing"

	"fleet_ops/internal/api/agentos/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type indexedDoc struct {
	ID        string `bson:"_id"`
	Email     string `bson:"email,omitempty" index:"unique,sparse"`
	ExpiresAt int64  `bson:"expiresAt" index:"ttl:3600"`
	Tenant    string `bson:"tenant" index:"compound:tenant_key_unique"`
	Key       string `bson:"key" index:"compound:tenant_key_unique,order:-1"`
}

func TestParseIndexTag(t *testing.T) {
	cfgs := parseIndexTag("single:1;compound:grp,order:-1")
	require.Len(t, cfgs, 2)
	assert.Equal(t, "1", cfgs[0]["single"])
	assert.Equal(t, "grp", cfgs[1]["compound"])
	assert.Equal(t, "-1", cfgs[1]["order"])
}

func TestBuildIndexSpecs(t *testing.T) {
	t.Run("Single, unique, ttl và compound", func(t *testing.T) {
		specs := BuildIndexSpecs(indexedDoc{})
		require.Len(t, specs, 3)

		assert.Equal(t, "email_1_unique", specs[0].Name)
		assert.True(t, *specs[0].Options.Unique)
		assert.True(t, *specs[0].Options.Sparse)

		assert.Equal(t, "expiresAt_1", specs[1].Name)
		assert.Equal(t, int32(3600), *specs[1].Options.ExpireAfterSeconds)

		assert.Equal(t, "tenant_key_unique", specs[2].Name)
		assert.Equal(t, bson.D{{Key: "tenant", Value: 1}, {Key: "key", Value: -1}}, specs[2].Keys)
		assert.True(t, *specs[2].Options.Unique)
	})

	t.Run("Model AgentRun", func(t *testing.T) {
		specs := BuildIndexSpecs(&models.AgentRun{})
		names := []string{}
		for _, s := range specs {
			names = append(names, s.Name)
		}
		assert.Contains(t, names, "status_1")
		assert.Contains(t, names, "tenant_updated")
	})
}

func TestCompareIndex(t *testing.T) {
	keys := bson.D{{Key: "runId", Value: 1}}
	opts := options.Index().SetUnique(true)

	assert.True(t, compareIndex(bson.M{"key": bson.M{"runId": int32(1)}, "unique": true}, keys, opts))
	assert.False(t, compareIndex(bson.M{"key": bson.M{"runId": int32(1)}}, keys, opts))
	assert.False(t, compareIndex(bson.M{"key": bson.M{"runId": int32(-1)}, "unique": true}, keys, opts))
}
