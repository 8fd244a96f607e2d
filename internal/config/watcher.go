package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskherd/pkg/logx"
)

// Watcher reloads the config file on change and publishes the result to
// subscribers. Editors often produce rename+create+write bursts, so events
// are debounced and a content hash suppresses redundant publishes.
type Watcher struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewWatcher(path string, initial *Config, log logx.Logger) *Watcher {
	w := &Watcher{path: path, log: log}
	w.commit(initial)
	return w
}

func (w *Watcher) Get() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Watcher) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

func (w *Watcher) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for i, s := range w.subs {
		if s == ch {
			last := len(w.subs) - 1
			w.subs[i] = w.subs[last]
			w.subs[last] = nil
			w.subs = w.subs[:last]
			close(ch)
			return
		}
	}
}

func (w *Watcher) commit(cfg *Config) {
	w.mu.Lock()
	w.cfg = cfg
	w.lastHash = hashConfig(cfg)
	w.mu.Unlock()
}

// publish delivers the latest config. A slow subscriber has its oldest
// pending update dropped so the newest always wins.
func (w *Watcher) publish(cfg *Config) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		if ch == nil {
			continue
		}
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				w.log.Debug("config update dropped, subscriber slow")
			}
		}
	}
}

// Run watches the config file until ctx is cancelled. It never returns a
// parse error to the caller; a bad edit is logged and the previous config
// stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.Debug("config watcher started", logx.String("path", w.path))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload rejected", logx.String("path", w.path), logx.Err(err))
				return
			}
			h := hashConfig(cfg)
			w.mu.RLock()
			unchanged := h != 0 && h == w.lastHash
			w.mu.RUnlock()
			if unchanged {
				return
			}
			w.commit(cfg)
			w.publish(cfg)
			w.log.Info("config reloaded", logx.String("path", w.path))
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if werr != nil {
				w.log.Warn("config watch error", logx.Err(werr))
			}
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
