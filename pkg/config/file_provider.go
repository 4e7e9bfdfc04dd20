package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-routes/pkg/policy"
)

// ReloadFunc observes the outcome of every reload attempt.
type ReloadFunc func(table *policy.Table, err error)

// FileProvider watches a policy file and publishes a freshly compiled table
// each time it changes. A file that fails to compile leaves the previous
// table in place.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	table       *policy.Table
	subscribers []chan *policy.Table
	onReload    ReloadFunc
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	debounce    time.Duration
}

// ProviderOption customises a FileProvider.
type ProviderOption func(*FileProvider)

// WithReloadHook registers fn to be called after every reload attempt.
func WithReloadHook(fn ReloadFunc) ProviderOption {
	return func(p *FileProvider) { p.onReload = fn }
}

// WithDebounce overrides the default 100ms debounce window.
func WithDebounce(d time.Duration) ProviderOption {
	return func(p *FileProvider) { p.debounce = d }
}

// NewFileProvider compiles the policy at path and starts watching it.
// Unlike reloads, a failure here is returned: the process must not start
// with a broken policy.
func NewFileProvider(path string, logger *slog.Logger, opts ...ProviderOption) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	table, err := LoadPolicy(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &FileProvider{
		path:     absPath,
		logger:   logger,
		table:    table,
		watcher:  watcher,
		cancel:   cancel,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the most recently compiled table.
func (p *FileProvider) Current() *policy.Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

// Subscribe returns a channel that receives each new table. The current
// table is delivered immediately.
func (p *FileProvider) Subscribe() <-chan *policy.Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *policy.Table, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.table
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()

	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()

	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					p.reload()
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Policy watcher error", "error", err)
		}
	}
}

func (p *FileProvider) reload() {
	table, err := LoadPolicy(p.path)
	if p.onReload != nil {
		p.onReload(table, err)
	}
	if err != nil {
		p.logger.Error("Policy reload failed, keeping previous policy", "path", p.path, "error", err)
		return
	}

	p.mu.Lock()
	p.table = table
	for _, ch := range p.subscribers {
		// Drop a stale pending table so the newest one is delivered.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- table:
		default:
		}
	}
	p.mu.Unlock()

	stats := table.Stats()
	p.logger.Info("Policy reloaded",
		"path", p.path,
		"redirects", stats.RedirectRules,
		"rewrites", stats.RewriteRules,
		"header_rules", stats.HeaderRules,
	)
}
