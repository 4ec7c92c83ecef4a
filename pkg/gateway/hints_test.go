package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/types"
)

func TestParseHints_Strong(t *testing.T) {
	sql, hints := ParseHints("/*+ strong */ SELECT name FROM users WHERE id = ?")
	assert.Equal(t, "SELECT name FROM users WHERE id = ?", sql)
	require.NotNil(t, hints.Cache)
	assert.Equal(t, types.CacheModeStrong, hints.Cache.Mode)
}

func TestParseHints_BoundedWithWindow(t *testing.T) {
	sql, hints := ParseHints("/*+ bounded=1500 */ SELECT * FROM orders")
	assert.Equal(t, "SELECT * FROM orders", sql)
	require.NotNil(t, hints.Cache)
	assert.Equal(t, types.CacheModeBounded, hints.Cache.Mode)
	assert.EqualValues(t, 1500, hints.Cache.BoundedMs)
}

func TestParseHints_Weak(t *testing.T) {
	_, hints := ParseHints("/*+ weak */ SELECT * FROM orders")
	require.NotNil(t, hints.Cache)
	assert.Equal(t, types.CacheModeCached, hints.Cache.Mode)
}

func TestParseHints_ShardKey(t *testing.T) {
	sql, hints := ParseHints("/*+ shard:region=eu-west */ SELECT * FROM orders")
	assert.Equal(t, "SELECT * FROM orders", sql)
	assert.Equal(t, "eu-west", hints.ShardKey)
	assert.Nil(t, hints.Cache)
}

func TestParseHints_MultipleHints(t *testing.T) {
	sql, hints := ParseHints("/*+ strong */ /*+ shard:region=us */ SELECT 1")
	assert.Equal(t, "SELECT 1", sql)
	require.NotNil(t, hints.Cache)
	assert.Equal(t, types.CacheModeStrong, hints.Cache.Mode)
	assert.Equal(t, "us", hints.ShardKey)
}

func TestParseHints_NoHints(t *testing.T) {
	sql, hints := ParseHints("SELECT 1")
	assert.Equal(t, "SELECT 1", sql)
	assert.Nil(t, hints.Cache)
	assert.Empty(t, hints.ShardKey)
}

func TestParseHints_UnknownHintIgnored(t *testing.T) {
	sql, hints := ParseHints("/*+ frobnicate */ SELECT 1")
	assert.Equal(t, "SELECT 1", sql)
	assert.Nil(t, hints.Cache)
}
