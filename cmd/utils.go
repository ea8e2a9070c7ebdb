package cmd

import (
	"fmt"
	"os"

	"github.com/rubiojr/panhub/pkg/config"
	"github.com/rubiojr/panhub/pkg/log"
)

// loadConfig reads the configuration and applies its log level unless
// PANHUB_LOG_LEVEL already set one.
func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyLogLevel(cfg)
	return cfg, nil
}

func applyLogLevel(cfg *config.Config) {
	if _, ok := os.LookupEnv(log.EnvLevel); ok {
		return
	}
	log.SetLevel(cfg.Level())
}
