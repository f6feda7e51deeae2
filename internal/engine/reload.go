package engine

import (
	"context"

	"github.com/jf990/resource-proxy/internal/config"
)

// WatchConfig drives config hot-reload: it polls configPath and calls
// Reload whenever the compiled configuration changes, logging (rather
// than failing) a config file that fails to parse so a bad edit doesn't
// take down an already-running proxy.
func (e *Engine) WatchConfig(ctx context.Context, configPath string) {
	fw := config.NewFileWatcher(configPath)
	fw.FileChangedHandler = func(data []byte) {
		next, err := config.Load(data)
		if err != nil {
			e.logger.Error().Err(err).Str("path", configPath).Msg("configuration reload failed, keeping previous configuration")
			return
		}
		e.Reload(next)
	}
	fw.ErrorHandler = func(err error) {
		e.logger.Error().Err(err).Str("path", configPath).Msg("configuration watch error")
	}
	fw.Watch(ctx)
}
