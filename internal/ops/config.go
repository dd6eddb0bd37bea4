// Package ops loads the runtime configuration tree. Keys mirror the
// /MarketDataService/... item paths as nested YAML.
package ops

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/yanun0323/errors"
)

// Config item keys.
const (
	KeySaveData            = "MarketDataService.saveData"
	KeySaveMerged          = "MarketDataService.saveMerged"
	KeyProducers           = "MarketDataService.producer"
	KeySubscriptions       = "MarketDataService.subscriptions"
	KeySubscriptionByTypes = "MarketDataService.subscriptionByTypes"
	KeyStaleTickThreshold  = "MarketDataService.staleTickThreshold"

	KeyDataDir    = "trader.dataDir"
	KeyGroupID    = "trader.group"
	KeyAccountID  = "trader.account"
	KeyProfiling  = "trader.profiling"
	KeyArchiveDSN = "MarketDataService.archive.dsn"
)

// DefaultStaleTickThreshold drops ticks whose update time strays this
// far from the wall clock.
const DefaultStaleTickThreshold = 2 * time.Hour

// Config wraps the loaded configuration tree.
type Config struct {
	v *viper.Viper
}

// Load reads the config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return &Config{v: v}, nil
}

// New wraps an already populated viper instance; tests use it.
func New(v *viper.Viper) *Config { return &Config{v: v} }

// Watch registers a callback for config file changes and starts the
// file watcher.
func (c *Config) Watch(fn func()) {
	c.v.OnConfigChange(func(_ fsnotify.Event) { fn() })
	c.v.WatchConfig()
}

func (c *Config) SaveData() bool   { return c.getBool(KeySaveData, true) }
func (c *Config) SaveMerged() bool { return c.getBool(KeySaveMerged, true) }

// Subscriptions returns the raw subscription spec text.
func (c *Config) Subscriptions() string {
	return strings.TrimSpace(c.v.GetString(KeySubscriptions))
}

// SubscriptionByTypes returns the comma-separated instrument type names.
func (c *Config) SubscriptionByTypes() string {
	return strings.TrimSpace(c.v.GetString(KeySubscriptionByTypes))
}

// StaleTickThreshold returns the dispatch staleness guard, default 2h.
func (c *Config) StaleTickThreshold() time.Duration {
	if d := c.v.GetDuration(KeyStaleTickThreshold); d > 0 {
		return d
	}
	return DefaultStaleTickThreshold
}

// Producers returns the ordered raw producer config items. Malformed
// entries are returned as-is; the service logs and skips them.
func (c *Config) Producers() []map[string]any {
	raw := c.v.Get(KeyProducers)
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		switch m := item.(type) {
		case map[string]any:
			result = append(result, m)
		case map[any]any:
			conv := make(map[string]any, len(m))
			for k, v := range m {
				if ks, ok := k.(string); ok {
					conv[ks] = v
				}
			}
			result = append(result, conv)
		}
	}
	return result
}

// DataDir is the trader-home data directory for persisted files.
func (c *Config) DataDir() string {
	if dir := c.v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	return "data"
}

func (c *Config) GroupID() string {
	if id := c.v.GetString(KeyGroupID); id != "" {
		return id
	}
	return "default"
}

func (c *Config) AccountID() string  { return c.v.GetString(KeyAccountID) }
func (c *Config) Profiling() bool    { return c.v.GetBool(KeyProfiling) }
func (c *Config) ArchiveDSN() string { return c.v.GetString(KeyArchiveDSN) }

func (c *Config) getBool(key string, def bool) bool {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetBool(key)
}
