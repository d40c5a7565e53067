package store

import (
	"fmt"
	"os"

	"github.com/leadforge/leadforge/pkg/types"
	"gopkg.in/yaml.v3"
)

// ConfigStore reads the live slot_config.yml, hot-reloaded by the worker on
// a short cadence.
type ConfigStore struct {
	layout *Layout
}

func NewConfigStore(layout *Layout) *ConfigStore {
	return &ConfigStore{layout: layout}
}

func defaultSlotConfig() types.SlotConfig {
	return types.SlotConfig{
		SearchTerms:       []string{"pharma exporters"},
		MaxClicksPerCycle: 5,
		CooldownSeconds:   0,
	}
}

// Load reads and parses the slot's config, falling back to defaults on a
// missing or empty file.
func (c *ConfigStore) Load(slotID string) (types.SlotConfig, error) {
	path := c.layout.ConfigPath(slotID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultSlotConfig(), nil
	}
	if err != nil {
		return types.SlotConfig{}, fmt.Errorf("read config %s: %w", slotID, err)
	}
	if len(data) == 0 {
		return defaultSlotConfig(), nil
	}

	cfg := defaultSlotConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultSlotConfig(), nil
	}
	return cfg, nil
}

// Save writes the config back atomically.
func (c *ConfigStore) Save(slotID string, cfg types.SlotConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", slotID, err)
	}
	return atomicWrite(c.layout.ConfigPath(slotID), data, 0o644)
}

// ModTime returns the config file's modification time, used by the worker
// to detect hot-reload triggers alongside the session blob's mtime.
func (c *ConfigStore) ModTime(slotID string) (int64, error) {
	info, err := os.Stat(c.layout.ConfigPath(slotID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}
