package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"camstitch/internal/config"
	"camstitch/internal/featurestore"
	"camstitch/internal/logging"
	"camstitch/internal/state"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.TrimSpace(*c.logLevelFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// withStores opens the state and feature stores for the duration of fn.
func (c *commandContext) withStores(fn func(*state.Store, *featurestore.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := state.Open(cfg)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer store.Close()
	features, err := featurestore.Open(cfg)
	if err != nil {
		return fmt.Errorf("open feature cache: %w", err)
	}
	defer features.Close()
	return fn(store, features)
}

// applyInputs replaces the configured input roots when --input was given.
func applyInputs(cfg *config.Config, inputs []string) error {
	if len(inputs) == 0 {
		return nil
	}
	expanded := make([]string, 0, len(inputs))
	for _, in := range inputs {
		path, err := config.ExpandPath(strings.TrimSpace(in))
		if err != nil {
			return fmt.Errorf("resolve input %q: %w", in, err)
		}
		expanded = append(expanded, path)
	}
	cfg.Discovery.Inputs = expanded
	return nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
