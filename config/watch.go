package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch warns when a configuration document changes while a run is in
// progress. Resolution happens once at startup, so a mid-run edit will not
// take effect and usually signals an operator mistake.
func Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Could not create config watcher - %v", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("Could not watch config dir `%s` - %v", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
					logger.RunnerLogger.LogWarn("config_watch", fmt.Sprintf("Configuration document `%s` changed during the run, changes take effect on the next run", event.Name))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.RunnerLogger.LogDebug("config_watch", fmt.Sprintf("Config watcher error - %v", err))
			}
		}
	}()

	return nil
}
