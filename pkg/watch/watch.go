// Package watch detects guest lifecycle changes through a control
// directory. Each monitored guest owns <root>/<domid>/ holding a control
// key; writing "shutdown" to the key ends the session with the guest left
// running, and removing the directory ends it with the guest gone.
package watch

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/petrepircalabu/libbdvmi/internal/platform"
	"github.com/petrepircalabu/libbdvmi/pkg/events"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

const (
	// KeyName is the control key file inside a guest directory.
	KeyName = "control"

	StateStarted  = "started"
	StateShutdown = "shutdown"
)

// Watch forwards fsnotify events for one guest to a pollable descriptor.
type Watch struct {
	root   string
	dir    string
	key    string
	fsw    *fsnotify.Watcher
	n      *platform.Notifier
	logger *log.Logger

	mu      sync.Mutex
	pending []fsnotify.Event

	done      chan struct{}
	closeOnce sync.Once
}

var _ events.DomainWatch = (*Watch)(nil)

// Dir returns the control directory of dom under root.
func Dir(root string, dom xen.DomID) string {
	return filepath.Join(root, strconv.Itoa(int(dom)))
}

// New creates the guest directory if needed, writes the started state to
// its control key and begins watching.
func New(root string, dom xen.DomID, logger *log.Logger) (*Watch, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	dir := Dir(absRoot, dom)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	key := filepath.Join(dir, KeyName)
	if err := os.WriteFile(key, []byte(StateStarted), 0o644); err != nil {
		return nil, fmt.Errorf("write control key: %w", err)
	}

	n, err := platform.NewNotifier()
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		n.Close()
		return nil, err
	}
	for _, path := range []string{absRoot, dir} {
		if err := fsw.Add(path); err != nil {
			fsw.Close()
			n.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
	}

	w := &Watch{
		root:   absRoot,
		dir:    dir,
		key:    key,
		fsw:    fsw,
		n:      n,
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.run()

	logger.Printf("[watch] watching %s", key)
	return w, nil
}

func (w *Watch) run() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Name != w.dir && evt.Name != w.key {
				continue
			}
			w.mu.Lock()
			w.pending = append(w.pending, evt)
			w.mu.Unlock()
			if err := w.n.Signal(); err != nil {
				w.logger.Printf("[watch] warning: %v", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("[watch] watcher error: %v", err)
		}
	}
}

// Key returns the path of the control key.
func (w *Watch) Key() string { return w.key }

// Fd returns the descriptor that becomes readable when Process has work.
func (w *Watch) Fd() int { return w.n.Fd() }

// Process consumes the queued events. Removal of the guest directory wins
// over a shutdown command seen in the same batch.
func (w *Watch) Process() (events.WatchResult, error) {
	if _, err := w.n.Drain(); err != nil {
		return events.WatchResult{}, fmt.Errorf("drain watch notifier: %w", err)
	}

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	var res events.WatchResult
	for _, evt := range batch {
		if evt.Name == w.dir && evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.logger.Printf("[watch] %s released", w.dir)
			return events.WatchResult{Stop: true, GuestStillRunning: false}, nil
		}
		if evt.Name != w.key || evt.Op&(fsnotify.Create|fsnotify.Write) == 0 {
			continue
		}
		state, err := readState(w.key)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return res, err
		}
		if state == StateShutdown {
			w.logger.Printf("[watch] shutdown requested")
			res = events.WatchResult{Stop: true, GuestStillRunning: true}
		}
	}
	return res, nil
}

// Close stops watching and removes the control key.
func (w *Watch) Close() error {
	var errs []error
	w.closeOnce.Do(func() {
		if err := w.fsw.Close(); err != nil {
			errs = append(errs, err)
		}
		<-w.done
		if err := w.n.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := os.Remove(w.key); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove control key: %w", err))
		}
	})
	return errors.Join(errs...)
}

// RequestShutdown writes the shutdown command to the control key of dom.
func RequestShutdown(root string, dom xen.DomID) error {
	key := filepath.Join(Dir(root, dom), KeyName)
	if err := os.WriteFile(key, []byte(StateShutdown), 0o644); err != nil {
		return fmt.Errorf("write control key: %w", err)
	}
	return nil
}

func readState(key string) (string, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
