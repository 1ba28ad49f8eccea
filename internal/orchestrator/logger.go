package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxDebugLogSize is the size at which an existing engine log is moved
// aside to <name>.1 when a new logger opens it.
const maxDebugLogSize = 8 << 20

// The engine installs one logger for the process. The graph store, worker
// registry, execution machine and recovery engine receive debugLog as
// their SetDebugLog hook.
var (
	pkgLoggerMu sync.RWMutex
	pkgLogger   *DebugLogger
)

func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	pkgLogger = l
	pkgLoggerMu.Unlock()
}

func debugLog(format string, args ...interface{}) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()
	l.Log(format, args...)
}

// DebugLogger appends timestamped lines describing scheduling, dispatch and
// recovery decisions. A nil *DebugLogger discards everything.
type DebugLogger struct {
	mu  sync.Mutex
	w   io.Writer
	f   *os.File
	now func() time.Time
}

// NewDebugLogger writes to w. The caller keeps ownership of w.
func NewDebugLogger(w io.Writer) *DebugLogger {
	return &DebugLogger{w: w, now: time.Now}
}

// OpenDebugLog appends to the file at path, rotating it first when it has
// grown past maxDebugLogSize.
func OpenDebugLog(path string) (*DebugLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() > maxDebugLogSize {
		if err := os.Rename(path, path+".1"); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := &DebugLogger{w: f, f: f, now: time.Now}
	l.Log("=== engine started pid=%d at %s ===", os.Getpid(), l.now().Format(time.RFC3339))
	return l, nil
}

// NewDebugLoggerForStateDir opens <stateDir>/logs/engine-debug.log. A log
// that cannot be opened is reported on stderr and logging is disabled.
func NewDebugLoggerForStateDir(stateDir string) *DebugLogger {
	l, err := OpenDebugLog(filepath.Join(stateDir, "logs", "engine-debug.log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "debug log disabled: %v\n", err)
		return nil
	}
	return l
}

// Log writes one line. File-backed loggers sync after each line so the log
// survives a crash mid-run.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[%s] %s\n", l.now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	if l.f != nil {
		l.f.Sync()
	}
}

// Close closes the file opened by OpenDebugLog. Writers passed to
// NewDebugLogger are left open.
func (l *DebugLogger) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.f.Close()
	l.w, l.f = nil, nil
	return err
}
