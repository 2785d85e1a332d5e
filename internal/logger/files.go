package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Manager hands out per-name file loggers under <root>/<component>/<name>.log
// so each product's backfill writes its own log stream. Loggers are created
// on first use and reused; Close closes every opened file.
type Manager struct {
	root      string
	component string
	level     slog.Level

	mu    sync.Mutex
	files map[string]*os.File
	logs  map[string]*slog.Logger
}

// NewManager creates a manager rooted at dir for one component, e.g.
// NewManager("logs", "coinbase/ohlcv", slog.LevelInfo).
func NewManager(dir, component string, level slog.Level) *Manager {
	return &Manager{
		root:      dir,
		component: component,
		level:     level,
		files:     make(map[string]*os.File),
		logs:      make(map[string]*slog.Logger),
	}
}

// For returns the logger writing to <root>/<component>/<name>.log, creating
// the file and directories on first use. Falls back to the default logger
// when the file cannot be opened so callers never receive nil.
func (m *Manager) For(name string) *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lg, ok := m.logs[name]; ok {
		return lg
	}

	dir := filepath.Join(m.root, filepath.FromSlash(m.component))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("logger: mkdir failed", "dir", dir, "err", err)
		return slog.Default()
	}
	path := filepath.Join(dir, sanitize(name)+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("logger: open failed", "path", path, "err", err)
		return slog.Default()
	}

	lg := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: m.level})).With(
		slog.String("component", m.component),
		slog.String("name", name),
	)
	m.files[name] = f
	m.logs[name] = lg
	return lg
}

// Close closes all opened log files. The manager is reusable afterwards;
// the next For reopens the file in append mode.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for name, f := range m.files {
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("close log for %s: %w", name, err)
		}
	}
	m.files = make(map[string]*os.File)
	m.logs = make(map[string]*slog.Logger)
	return first
}

// sanitize keeps product identifiers filesystem-safe (BTC-USD stays as-is,
// anything exotic degrades to underscores).
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
