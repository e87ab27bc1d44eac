package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Load reads a JSON5 config file and overlays environment settings.
// A missing file yields a default config (everything off except WebChat).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Channels.WebChat.Enabled = true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			slog.Info("no config file, using defaults", "path", path)
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvironment()
	return cfg, nil
}

// Patch applies a JSON merge patch to the config file: objects merge
// recursively, null deletes a key, anything else replaces. The result is
// written atomically; the file watcher picks up the change.
func Patch(path string, patch []byte) error {
	base := map[string]interface{}{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, &base); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var delta map[string]interface{}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return fmt.Errorf("parse patch: %w", err)
	}

	// Validate the merged tree before committing it.
	merged := mergeValue(base, delta).(map[string]interface{})
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var check Config
	if err := json5.Unmarshal(out, &check); err != nil {
		return fmt.Errorf("patched config invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func mergeValue(base, delta interface{}) interface{} {
	dm, ok := delta.(map[string]interface{})
	if !ok {
		return delta
	}
	bm, ok := base.(map[string]interface{})
	if !ok {
		bm = map[string]interface{}{}
	}
	for k, v := range dm {
		if v == nil {
			delete(bm, k)
			continue
		}
		bm[k] = mergeValue(bm[k], v)
	}
	return bm
}

// DefaultPath returns the config file location: $HEARTH_CONFIG or
// ~/.hearth/config.json5.
func DefaultPath() string {
	if p := os.Getenv("HEARTH_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".hearth", "config.json5")
}

// Watch re-loads the config file on change and invokes onReload with the
// fresh tree. Returns a stop function. Parse failures keep the old config.
func Watch(path string, onReload func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	// Watch the directory: editors replace files via rename, which drops
	// a direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				fresh, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				slog.Info("config reloaded", "path", path)
				onReload(fresh)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
