package config

import (
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-reads the config file whenever it changes on disk and invokes
// onChange with the freshly loaded configuration. Only a subset of settings
// can take effect without a restart (logging level and format, rate limits);
// callers decide what to apply. Invalid edits are logged and skipped, keeping
// the last good configuration active.
//
// Returns without watching when configPath is empty (pure env var deployments
// have nothing to watch).
func Watch(configPath string, onChange func(*Config)) {
	if configPath == "" {
		return
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("NH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := Load(configPath)
		if err != nil {
			slog.Warn("config reload skipped: file is invalid", "path", configPath, "error", err)
			return
		}
		slog.Info("config reloaded", "path", configPath)
		onChange(cfg)
	})
	v.WatchConfig()
}
