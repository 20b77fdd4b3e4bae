package recording

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a recording must stay unchanged before the
// watcher reports it. Recorders keep appending until the call ends.
const DefaultSettle = 3 * time.Second

// maxWatchDepth limits how deep below each root directories are watched.
const maxWatchDepth = 2

// Watcher reports audio files that appear in recording roots.
// Paths are delivered in batches once writes have settled.
type Watcher struct {
	watcher *fsnotify.Watcher
	isAudio func(string) bool
	settle  time.Duration

	batches chan []string
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending map[string]struct{}
	timer   *time.Timer
	dirs    []string
}

// NewWatcher creates a watcher that uses the locator's extension filter.
func NewWatcher(l *Locator, settle time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		watcher: w,
		isAudio: l.IsAudio,
		settle:  settle,
		batches: make(chan []string, 4),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}, nil
}

// Start watches every existing root and its subdirectories. Missing roots are
// skipped; it is an error only if nothing could be watched.
func (w *Watcher) Start(roots []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, root := range roots {
		w.addTree(root)
	}
	if len(w.dirs) == 0 {
		return fmt.Errorf("no recording directories to watch")
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

func (w *Watcher) addTree(root string) {
	base := strings.Count(filepath.Clean(root), string(filepath.Separator))
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if strings.Count(filepath.Clean(path), string(filepath.Separator))-base > maxWatchDepth {
			return filepath.SkipDir
		}
		if w.watcher.Add(path) == nil {
			w.dirs = append(w.dirs, path)
		}
		return nil
	})
}

// Dirs returns the directories being watched.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([]string(nil), w.dirs...)
	sort.Strings(out)
	return out
}

// Stop stops watching and closes the Batches and Errors channels.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.batches)
	close(w.errors)
	return nil
}

// Batches emits settled audio file paths.
func (w *Watcher) Batches() <-chan []string {
	return w.batches
}

// Errors emits watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			w.addTree(ev.Name)
			w.mu.Unlock()
			return
		}
	}
	if !w.isAudio(ev.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.pending[ev.Name] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.settle, w.flush)
	} else {
		w.timer.Reset(w.settle)
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if !w.running || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	defer w.wg.Done()
	batch := make([]string, 0, len(w.pending))
	for p := range w.pending {
		batch = append(batch, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(batch)
	select {
	case w.batches <- batch:
	case <-w.done:
	}
}
