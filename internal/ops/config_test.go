package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := New(viper.New())

	assert.True(t, cfg.SaveData())
	assert.True(t, cfg.SaveMerged())
	assert.Equal(t, DefaultStaleTickThreshold, cfg.StaleTickThreshold())
	assert.Equal(t, "data", cfg.DataDir())
	assert.Equal(t, "default", cfg.GroupID())
	assert.Empty(t, cfg.Subscriptions())
	assert.Empty(t, cfg.SubscriptionByTypes())
	assert.Nil(t, cfg.Producers())
	assert.False(t, cfg.Profiling())
	assert.Empty(t, cfg.ArchiveDSN())
}

func TestConfigLoadYAML(t *testing.T) {
	const doc = `
MarketDataService:
  saveData: false
  saveMerged: false
  staleTickThreshold: 30m
  subscriptions: "zn1609, $au; ru1901"
  subscriptionByTypes: "Future, Option"
  producer:
    - id: ctp01
      provider: ctp
      url: tcp://primary:41213
    - id: web01
      provider: web
      url: wss://feed.example.com/md
  archive:
    dsn: postgres://trader@db/ticks
trader:
  dataDir: /var/lib/trader
  group: g1
  account: sim01
  profiling: true
`
	path := filepath.Join(t.TempDir(), "trader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.SaveData())
	assert.False(t, cfg.SaveMerged())
	assert.Equal(t, 30*time.Minute, cfg.StaleTickThreshold())
	assert.Equal(t, "zn1609, $au; ru1901", cfg.Subscriptions())
	assert.Equal(t, "Future, Option", cfg.SubscriptionByTypes())
	assert.Equal(t, "/var/lib/trader", cfg.DataDir())
	assert.Equal(t, "g1", cfg.GroupID())
	assert.Equal(t, "sim01", cfg.AccountID())
	assert.True(t, cfg.Profiling())
	assert.Equal(t, "postgres://trader@db/ticks", cfg.ArchiveDSN())

	producers := cfg.Producers()
	require.Len(t, producers, 2)
	assert.Equal(t, "ctp01", producers[0]["id"])
	assert.Equal(t, "ctp", producers[0]["provider"])
	assert.Equal(t, "web01", producers[1]["id"])
	assert.Equal(t, "wss://feed.example.com/md", producers[1]["url"])
}

func TestConfigLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigProducersMalformed(t *testing.T) {
	v := viper.New()
	v.Set(KeyProducers, "not a list")
	assert.Nil(t, New(v).Producers())

	v = viper.New()
	v.Set(KeyProducers, []any{"scalar", map[string]any{"id": "ok"}})
	producers := New(v).Producers()
	require.Len(t, producers, 1)
	assert.Equal(t, "ok", producers[0]["id"])
}
