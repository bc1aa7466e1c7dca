package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Environment variable references
// in the file are expanded before parsing, so secrets stay out of the file
// itself.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Risk.LargeAmountThreshold == "" {
		cfg.Risk.LargeAmountThreshold = "1000000"
	}
	if cfg.Risk.LargeAmountWeight == 0 {
		cfg.Risk.LargeAmountWeight = 50
	}
	if cfg.Risk.FrequencyWindow == 0 {
		cfg.Risk.FrequencyWindow = time.Hour
	}
	if cfg.Risk.FrequencyMax == 0 {
		cfg.Risk.FrequencyMax = 5
	}
	if cfg.Risk.FrequencyWeight == 0 {
		cfg.Risk.FrequencyWeight = 25
	}
	if cfg.Risk.NovelDestWeight == 0 {
		cfg.Risk.NovelDestWeight = 20
	}

	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.RPCTimeout == 0 {
			c.RPCTimeout = 15 * time.Second
		}
		if c.Depths.Confirmed == 0 {
			c.Depths.Confirmed = 1
		}
		if c.Depths.Safe == 0 {
			c.Depths.Safe = c.Depths.Confirmed + 1
		}
		if c.Depths.Final == 0 {
			c.Depths.Final = c.Depths.Safe + 1
		}
	}

	return &cfg, nil
}
