// Package models prepares the speech engines at startup and owns them until
// shutdown. Connections are accepted only after Initialize succeeds.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"voicegate/internal/engine"
)

// Loader is an engine whose model must be made local and loaded before use.
type Loader interface {
	// Load ensures modelID is present under cacheDir, downloading it only
	// when missing, and builds the engine handle.
	Load(ctx context.Context, modelID, cacheDir string) error
	Close() error
}

type STTEngine interface {
	Loader
	engine.Transcriber
}

type TTSEngine interface {
	Loader
	engine.Synthesizer
}

// FatalLoadError means the process cannot serve and must exit.
type FatalLoadError struct {
	Engine string
	Model  string
	Err    error
}

func (e *FatalLoadError) Error() string {
	return fmt.Sprintf("load %s model %q: %v", e.Engine, e.Model, e.Err)
}

func (e *FatalLoadError) Unwrap() error { return e.Err }

// Options names the engines of the current operating mode. A nil engine is
// not loaded.
type Options struct {
	STT         STTEngine
	STTModel    string
	STTCacheDir string
	TTS         TTSEngine
	TTSModel    string
	TTSCacheDir string
	Logger      *slog.Logger
}

type slot struct {
	kind     string
	model    string
	cacheDir string
	loader   Loader
}

type Manager struct {
	opts  Options
	log   *slog.Logger
	ready atomic.Bool

	mu     sync.Mutex
	loaded []slot
}

func New(o Options) *Manager {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{opts: o, log: log.With("component", "models")}
}

func (m *Manager) slots() []slot {
	var out []slot
	if m.opts.STT != nil {
		out = append(out, slot{kind: "stt", model: m.opts.STTModel, cacheDir: m.opts.STTCacheDir, loader: m.opts.STT})
	}
	if m.opts.TTS != nil {
		out = append(out, slot{kind: "tts", model: m.opts.TTSModel, cacheDir: m.opts.TTSCacheDir, loader: m.opts.TTS})
	}
	return out
}

// Initialize loads every configured engine in parallel. It returns a
// *FatalLoadError if any of them fails, after closing the ones that loaded.
func (m *Manager) Initialize(ctx context.Context) error {
	slots := m.slots()
	if len(slots) == 0 {
		return &FatalLoadError{Engine: "none", Err: errors.New("no engines configured")}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		g.Go(func() error {
			return m.load(gctx, s)
		})
	}
	if err := g.Wait(); err != nil {
		m.closeLoaded()
		return err
	}
	m.ready.Store(true)
	return nil
}

func (m *Manager) load(ctx context.Context, s slot) error {
	fail := func(err error) error {
		return &FatalLoadError{Engine: s.kind, Model: s.model, Err: err}
	}
	dir, err := m.resolveCacheDir(s.kind, s.cacheDir)
	if err != nil {
		return fail(err)
	}
	attrs := []any{"engine", s.kind, "model", s.model, "cache_dir", dir}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_available_mb", vm.Available>>20)
	}
	m.log.Info("model load begin", attrs...)
	started := time.Now()
	if err := s.loader.Load(ctx, s.model, dir); err != nil {
		m.log.Error("model load failed", "engine", s.kind, "model", s.model, "elapsed", time.Since(started), "error", err)
		return fail(err)
	}
	m.log.Info("model load complete", "engine", s.kind, "model", s.model, "elapsed", time.Since(started).Round(time.Millisecond))

	m.mu.Lock()
	m.loaded = append(m.loaded, s)
	m.mu.Unlock()
	return nil
}

// resolveCacheDir creates dir when missing. The default lives under the
// user cache directory so models survive reboots.
func (m *Manager) resolveCacheDir(kind, dir string) (string, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("resolve cache dir: %w", err)
		}
		dir = filepath.Join(base, "voicegate", kind)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	if tmp, err := filepath.Abs(os.TempDir()); err == nil && (abs == tmp || strings.HasPrefix(abs, tmp+string(filepath.Separator))) {
		m.log.Warn("model cache is on temporary storage and may be lost", "engine", kind, "cache_dir", abs)
	}
	return abs, nil
}

// Ready reports whether every configured engine finished loading.
func (m *Manager) Ready() bool { return m.ready.Load() }

// Transcriber returns the STT handle, or nil when the mode excludes it or
// loading has not finished.
func (m *Manager) Transcriber() engine.Transcriber {
	if !m.Ready() || m.opts.STT == nil {
		return nil
	}
	return m.opts.STT
}

func (m *Manager) Synthesizer() engine.Synthesizer {
	if !m.Ready() || m.opts.TTS == nil {
		return nil
	}
	return m.opts.TTS
}

// Shutdown releases the loaded engines in reverse load order.
func (m *Manager) Shutdown() error {
	m.ready.Store(false)
	return m.closeLoaded()
}

func (m *Manager) closeLoaded() error {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = nil
	m.mu.Unlock()

	var errs []error
	for i := len(loaded) - 1; i >= 0; i-- {
		s := loaded[i]
		if err := s.loader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.kind, err))
		}
		m.log.Info("model unloaded", "engine", s.kind, "model", s.model)
	}
	return errors.Join(errs...)
}
