package alerting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Parses a YAML file with a top-level "rules" list.
func ParseRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf rulesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parsing alert rules %s: %w", path, err)
	}
	return rf.Rules, nil
}

func (e *Engine) LoadRulesFile(path string) error {
	rules, err := ParseRulesFile(path)
	if err != nil {
		return err
	}
	if err := e.SetRules(rules); err != nil {
		return err
	}
	e.Logger.Info("alert rules loaded", "path", path, "count", len(rules))
	return nil
}

const reloadDebounce = 250 * time.Millisecond

// Reloads the rules file whenever it changes, until ctx is done. The parent directory is watched so that editors which replace the file are picked up. A file that fails to load leaves the previous rules in place.
func (e *Engine) WatchRulesFile(ctx context.Context, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	log := e.Logger.With("source", "rules-watcher", "path", path)
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug("rules file changed", "op", event.Op.String())
			debounce.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("watcher error", "err", err)
		case <-debounce.C:
			if err := e.LoadRulesFile(path); err != nil {
				ruleReloads.WithLabelValues("error").Inc()
				log.Error("failed to reload alert rules, keeping previous set", "err", err)
				continue
			}
			ruleReloads.WithLabelValues("ok").Inc()
		}
	}
}
