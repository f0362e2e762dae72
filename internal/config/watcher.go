package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ReloadEvent is one settled burst of writes to config.yaml.
type ReloadEvent struct {
	Path string
	// Ops is every operation seen during the burst.
	Ops   fsnotify.Op
	Burst int
}

// Watcher reports changes to config.yaml so hot-reloadable settings
// (channel allow-lists, log level) can be re-applied without a restart.
// Editors often produce several events per save; they are coalesced until
// the file has been quiet for Debounce.
type Watcher struct {
	Debounce time.Duration

	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Debounce: defaultReloadDebounce,
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 4),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory rather than the file, since editors that
// save via rename drop a file watch after the first change.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw, filepath.Clean(ConfigPath(w.homeDir)))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	var (
		pending ReloadEvent
		settle  *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending.Path = ev.Name
			pending.Ops |= ev.Op
			pending.Burst++
			if settle == nil {
				settle = time.NewTimer(w.Debounce)
			} else {
				settle.Reset(w.Debounce)
			}
			fire = settle.C
		case <-fire:
			fire = nil
			w.logger.Info("config file changed", "path", pending.Path, "ops", pending.Ops.String(), "events", pending.Burst)
			select {
			case w.events <- pending:
			default:
				w.logger.Warn("config reload still pending, change coalesced")
			}
			pending = ReloadEvent{}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
