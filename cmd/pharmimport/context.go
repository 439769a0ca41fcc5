package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pharmimport/internal/config"
	"pharmimport/internal/logging"
	"pharmimport/internal/textutil"
)

const logFilePattern = "pharmimport-*.log"

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// runLogger builds the logger for a command touching tag: console output plus
// a JSON file per invocation under the log directory. Old run logs are pruned.
func (c *commandContext) runLogger(cmd string, cfg *config.Config) (*slog.Logger, func() error, error) {
	name := fmt.Sprintf("pharmimport-%s-%s-%s.log", cmd, textutil.SanitizeToken(cfg.Run.Tag), time.Now().UTC().Format("20060102T150405"))
	logger, logPath, closeFn, err := logging.NewFromConfig(cfg, name)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	if removed := logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, logFilePattern, logPath); removed > 0 {
		logger.Debug("pruned old run logs", logging.Int("removed", removed))
	}
	if logPath != "" {
		logger.Debug("run log opened", logging.String("path", logPath))
	}
	return logger, closeFn, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
