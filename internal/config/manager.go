package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "slotcast/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	validateTimeout  = 5 * time.Second
)

// Manager loads the daemon config and watches it for changes. A reload is
// transactional: parse, validate, commit, publish — a file that fails any
// step leaves the committed config untouched.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	// lastHash dedups editor noise: several write events for the same
	// content must not republish.
	lastHash uint64

	// subsMu covers the subscriber list and keeps publish from racing a
	// channel close in Unsubscribe.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		return
	}
	m.log = log
}

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the config file. YAML input is coerced
// to JSON first; unknown fields and trailing data are errors either way.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: trailing data after config document", m.path)
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses and commits. Used once at startup.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Subscribe returns a channel that receives each committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

// publish delivers the newest config. A slow subscriber loses stale queued
// configs, never the latest one; a full buffer after that is its problem.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped, subscriber stalled",
				logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload runs one parse→validate→commit→publish cycle. Invoked from the
// debounce timer, never concurrently with itself for the same deadline.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config content unchanged, skipping", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// Watch follows the config file until ctx is cancelled. Events are
// debounced so partial writes never hit Parse; a broken watcher (editors
// and some filesystems kill them) is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffBase
	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < watchBackoffMax {
			backoff *= 2
			if backoff > watchBackoffMax {
				backoff = watchBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watcher setup failed", logx.String("dir", dir), logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}

		backoff = watchBackoffBase
		m.log.Debug("config watcher started", logx.String("file", m.path))
		healthy := m.watchLoop(ctx, w, base, schedule)
		_ = w.Close()
		if !healthy {
			m.log.Warn("config watcher stopped, restarting", logx.String("dir", dir))
			if !wait() {
				return nil
			}
		}
	}
	return nil
}

// watchLoop consumes one watcher's channels. Returns false when the
// watcher broke and needs recreating, true on context cancellation.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, base string, schedule func()) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			// Match by basename; event paths vary across platforms.
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			// Overflow means missed events: reload once rather than guess.
			if strings.Contains(msg, "overflow") {
				m.log.Warn("config watch overflow, forcing reload", logx.Err(err))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(msg, "closed") {
				return false
			}
		}
	}
}
