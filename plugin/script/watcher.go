package script

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kasuganosora/hookhost/plugin"
	"go.uber.org/zap"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher recompiles scripts in a directory when they change and reloads
// the ones currently loaded.
type Watcher struct {
	dir      string
	mgr      *plugin.Manager
	opts     Options
	debounce time.Duration
	logger   *zap.Logger

	fs      *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]bool
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewWatcher starts watching dir. Changes are applied through mgr.
func NewWatcher(dir string, mgr *plugin.Manager, opts Options) (*Watcher, error) {
	opts = opts.withDefaults()
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{
		dir:      dir,
		mgr:      mgr,
		opts:     opts,
		debounce: defaultDebounce,
		logger:   opts.Logger.Named("script.watch"),
		fs:       fw,
		pending:  make(map[string]bool),
		closeCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("script watcher started", zap.String("dir", dir))
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(0)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".js" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.mu.Lock()
				w.pending[ev.Name] = true
				w.mu.Unlock()
				timer.Reset(w.debounce)
			} else if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Info("script removed, loaded instance kept until unloaded",
					zap.String("plugin", IDFromPath(ev.Name)))
			}
		case <-timer.C:
			w.flush()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-w.closeCh:
			return
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for _, p := range paths {
		w.Refresh(context.Background(), p)
	}
}

// Refresh recompiles the script at path, replaces its catalog definition and
// reloads it if it is loaded. A script that no longer compiles leaves the
// running instance untouched.
func (w *Watcher) Refresh(ctx context.Context, path string) {
	id := IDFromPath(path)
	def, err := CompileFile(path, w.opts)
	if err != nil {
		w.logger.Error("script rejected", zap.String("plugin", id), zap.Error(err))
		return
	}
	if err := w.mgr.Catalog().Register(def); err != nil {
		w.logger.Error("script register", zap.String("plugin", id), zap.Error(err))
		return
	}
	rec, ok := w.mgr.Get(id)
	if !ok || rec.State() != plugin.StateLoaded {
		w.logger.Info("script updated", zap.String("plugin", id))
		return
	}
	if err := w.mgr.Reload(ctx, id); err != nil {
		w.logger.Error("script reload failed", zap.String("plugin", id), zap.Error(err))
		return
	}
	w.logger.Info("script reloaded", zap.String("plugin", id))
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closeCh)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}
