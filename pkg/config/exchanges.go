package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Duration decodes yaml values given either as Go duration strings ("60s")
// or bare integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExchangeDescriptor overrides one exchange's operational parameters.
// Values left zero fall back to the client's registered capabilities.
type ExchangeDescriptor struct {
	RateBudget int      `yaml:"rate_budget"` // calls per window
	RateWindow Duration `yaml:"rate_window"`
	Timeout    Duration `yaml:"timeout"`
	Cooldown   Duration `yaml:"cooldown"` // applied on exchange-reported throttling
}

// Exchanges maps exchange name to its descriptor.
type Exchanges struct {
	Exchanges map[string]ExchangeDescriptor `yaml:"exchanges"`
}

// LoadExchanges parses the YAML descriptor file. A missing file yields an
// empty set so defaults apply.
func LoadExchanges(path string) (*Exchanges, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Exchanges{Exchanges: map[string]ExchangeDescriptor{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read exchanges file: %w", err)
	}

	var ex Exchanges
	if err := yaml.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("parse exchanges file: %w", err)
	}
	if ex.Exchanges == nil {
		ex.Exchanges = map[string]ExchangeDescriptor{}
	}
	return &ex, nil
}

// WatchExchanges reloads the descriptor file on change and invokes onChange
// with the fresh set. Editors often write via rename, so the watch covers
// the directory, not the file.
func WatchExchanges(ctx context.Context, path string, onChange func(*Exchanges)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var lastReload time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Debounce bursts of events from one save.
				if time.Since(lastReload) < 200*time.Millisecond {
					continue
				}
				lastReload = time.Now()

				ex, err := LoadExchanges(path)
				if err != nil {
					log.Printf("exchanges reload failed: %v", err)
					continue
				}
				log.Printf("exchanges config reloaded (%d entries)", len(ex.Exchanges))
				onChange(ex)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("exchanges watcher error: %v", err)
			}
		}
	}()

	return nil
}
