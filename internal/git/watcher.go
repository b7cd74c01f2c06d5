package git

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to a repository's worktree set: worktrees added or
// removed, and branch switches in any of them.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	onChange func()
	debounce time.Duration
	stopCh   chan struct{}

	commonDir    string
	worktreesDir string

	mu    sync.Mutex
	timer *time.Timer
	once  sync.Once
}

// NewWatcher creates a watcher for the repository containing root.
func NewWatcher(root string, onChange func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		watcher:  fsWatcher,
		onChange: onChange,
		debounce: 100 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// SetDebounce sets the debounce duration. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. A root outside any git repository is not watched.
func (w *Watcher) Start(ctx context.Context) error {
	commonDir, err := GetCommonDir(ctx, w.root)
	if err != nil {
		gitLog.Info("worktree_watch_skipped", slog.String("root", w.root), slog.String("reason", err.Error()))
		return nil
	}
	w.commonDir = commonDir
	w.worktreesDir = filepath.Join(commonDir, "worktrees")

	if err := w.watcher.Add(commonDir); err != nil {
		return err
	}
	w.addWorktreesDir()

	go w.watchLoop()
	gitLog.Info("worktree_watch_started", slog.String("dir", commonDir))
	return nil
}

// Stop stops the watcher and any pending notification.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// addWorktreesDir watches <common>/worktrees and each linked worktree's admin
// directory, where its HEAD lives.
func (w *Watcher) addWorktreesDir() {
	entries, err := os.ReadDir(w.worktreesDir)
	if err != nil {
		return
	}
	_ = w.watcher.Add(w.worktreesDir)
	for _, e := range entries {
		if e.IsDir() {
			_ = w.watcher.Add(filepath.Join(w.worktreesDir, e.Name()))
		}
	}
}

// relevant filters out the steady churn of index and object writes.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	dir := filepath.Dir(event.Name)
	base := filepath.Base(event.Name)
	switch {
	case event.Name == w.worktreesDir:
		return true
	case dir == w.commonDir:
		return base == "HEAD"
	case dir == w.worktreesDir:
		return true
	case filepath.Dir(dir) == w.worktreesDir:
		return base == "HEAD"
	}
	return false
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// New worktrees dir or a new linked worktree
				w.addWorktreesDir()
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			gitLog.Warn("worktree_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.onChange()
	})
}
