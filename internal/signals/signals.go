// Package signals controls running runs through files dropped in the state
// directory, so a second process can pause, resume or cancel a run.
//
// A signal is a file named pause, resume or cancel under <state>/signals.
// Its content is the target run ID; an empty file targets every run.
// Files are consumed once handled.
package signals

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal is a run control request.
type Signal string

const (
	Pause  Signal = "pause"
	Resume Signal = "resume"
	Cancel Signal = "cancel"
)

// Valid returns true for a known signal.
func (s Signal) Valid() bool {
	switch s {
	case Pause, Resume, Cancel:
		return true
	}
	return false
}

// Controller is the run surface a signal acts on.
type Controller interface {
	Pause(runID string) error
	Resume(runID string) error
	Cancel(runID string) error
	Runs() []string
}

// defaultPollInterval backs up the watcher for missed or unsupported events.
const defaultPollInterval = 2 * time.Second

// Dir returns the signal directory under stateDir.
func Dir(stateDir string) string {
	return filepath.Join(stateDir, "signals")
}

// Send drops a signal file for runID. The write goes through a rename so
// the watcher never sees a partial file.
func Send(stateDir string, sig Signal, runID string) error {
	if !sig.Valid() {
		return fmt.Errorf("unknown signal %q", sig)
	}
	dir := Dir(stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	tmp := filepath.Join(dir, "."+string(sig)+".tmp")
	if err := os.WriteFile(tmp, []byte(runID), 0644); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, string(sig))); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Watcher applies signal files to a Controller.
type Watcher struct {
	dir          string
	ctl          Controller
	pollInterval time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	// onHandled is called after each applied signal, for tests.
	onHandled func(Signal, string)
}

// NewWatcher watches the signal directory under stateDir. Without a usable
// fsnotify watcher it falls back to polling.
func NewWatcher(stateDir string, ctl Controller) (*Watcher, error) {
	if ctl == nil {
		return nil, errors.New("signals: controller is required")
	}
	dir := Dir(stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	w := &Watcher{
		dir:          dir,
		ctl:          ctl,
		pollInterval: defaultPollInterval,
		done:         make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[signals] file watcher unavailable, polling: %v", err)
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		log.Printf("[signals] cannot watch %s, polling: %v", dir, err)
		return w, nil
	}
	w.watcher = fw
	return w, nil
}

// Start applies any signal already waiting and begins watching.
func (w *Watcher) Start() {
	w.Check()
	w.wg.Add(1)
	go w.run()
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sig := Signal(filepath.Base(event.Name))
			if sig.Valid() {
				w.handle(sig)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[signals] watcher error: %v", err)
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check applies every signal file currently present.
func (w *Watcher) Check() {
	for _, sig := range []Signal{Cancel, Pause, Resume} {
		w.handle(sig)
	}
}

// handle consumes one signal file, if present, and applies it.
func (w *Watcher) handle(sig Signal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, string(sig))
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[signals] remove %s: %v", path, err)
	}

	targets := []string{strings.TrimSpace(string(data))}
	if targets[0] == "" {
		targets = w.ctl.Runs()
	}
	for _, runID := range targets {
		var err error
		switch sig {
		case Pause:
			err = w.ctl.Pause(runID)
		case Resume:
			err = w.ctl.Resume(runID)
		case Cancel:
			err = w.ctl.Cancel(runID)
		}
		if err != nil {
			log.Printf("[signals] %s run %s: %v", sig, runID, err)
			continue
		}
		log.Printf("[signals] %s applied to run %s", sig, runID)
		if w.onHandled != nil {
			w.onHandled(sig, runID)
		}
	}
}
