package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is how long a file must be quiet before the callback runs, since editors and
// atomic writers touch a file several times per save.
const debounce = 100 * time.Millisecond

// FileWatcher calls a callback when a single file is created or written.
type FileWatcher struct {
	dir      string
	file     string
	callback func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// NewFileWatcher returns a watcher for path. It does nothing until Start is called.
func NewFileWatcher(path string, callback func()) *FileWatcher {
	return &FileWatcher{
		dir:      filepath.Dir(path),
		file:     filepath.Clean(path),
		callback: callback,
	}
}

// Start begins watching. The parent directory is watched so replacing the file by rename is
// noticed too. Calling Start on a running watcher is a no-op.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := watcher.Add(fw.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", fw.dir, err)
	}
	slog.Debug("Watching file", "path", fw.file)
	fw.watcher = watcher
	fw.done = make(chan struct{})
	go fw.watchLoop(watcher, fw.done)
	return nil
}

// Close stops the watcher. Pending callbacks are dropped.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.watcher == nil {
		return nil
	}
	close(fw.done)
	if fw.timer != nil {
		fw.timer.Stop()
		fw.timer = nil
	}
	err := fw.watcher.Close()
	fw.watcher = nil
	return err
}

func (fw *FileWatcher) watchLoop(watcher *fsnotify.Watcher, done <-chan struct{}) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.file || (!event.Has(fsnotify.Create) && !event.Has(fsnotify.Write)) {
				continue
			}
			fw.schedule(done)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Error watching file", "path", fw.file, "error", err)
		case <-done:
			return
		}
	}
}

func (fw *FileWatcher) schedule(done <-chan struct{}) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Reset(debounce)
		return
	}
	fw.timer = time.AfterFunc(debounce, func() {
		fw.mu.Lock()
		fw.timer = nil
		fw.mu.Unlock()
		select {
		case <-done:
			return
		default:
		}
		slog.Debug("File modified", "path", fw.file)
		fw.callback()
	})
}
