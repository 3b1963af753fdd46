// Package log provides the logging backend shared by all components of a
// process, based on go-logging. Components get a per-module logger with
// GetLogger.
package log

import (
	"fmt"
	"io"
	golog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// Format is the line format for all log output.
const Format = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// Backend is a leveled log backend writing to stderr, a file, or nowhere.
type Backend struct {
	mu      sync.RWMutex
	backend logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   string
	disable bool
}

var _ logging.LeveledBackend = (*Backend)(nil)

// New returns a backend logging at level to file. An empty file means stderr.
// If disable is set, all output is discarded.
func New(file, level string, disable bool) (*Backend, error) {
	b := &Backend{file: file, level: level, disable: disable}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewWriter returns a backend logging at level to w.
func NewWriter(w io.Writer, level string) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{level: level}
	b.setup(nopCloser{w}, lvl)
	return b, nil
}

// Discard returns a backend that drops everything. Used when no backend is
// configured, and in tests.
func Discard() *Backend {
	b, err := New("", "ERROR", true)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Backend) open() error {
	lvl, err := ParseLevel(b.level)
	if err != nil {
		return err
	}

	var w io.WriteCloser
	if b.disable {
		w = nopCloser{io.Discard}
	} else if b.file == "" {
		w = nopCloser{os.Stderr}
	} else {
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("log: opening log file: %v", err)
		}
		w = f
	}
	b.setup(w, lvl)
	return nil
}

func (b *Backend) setup(w io.WriteCloser, lvl logging.Level) {
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(Format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	b.w = w
	b.backend = leveled
}

// Log implements logging.Backend.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend.Log(level, calldepth, record)
}

// GetLevel implements logging.Leveled.
func (b *Backend) GetLevel(module string) logging.Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend.GetLevel(module)
}

// SetLevel implements logging.Leveled.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.backend.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

// GetLogger returns a logger for module that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetGoLogger returns a standard library logger for module, logging every line
// at level. Used for net/http's ErrorLog.
func (b *Backend) GetGoLogger(module, level string) *golog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		panic("log: GetGoLogger: " + err.Error())
	}
	return golog.New(&logWriter{b.GetLogger(module), lvl}, "", 0)
}

// StdLogger returns a standard library logger that writes to l at debug level.
func StdLogger(l *logging.Logger) *golog.Logger {
	return golog.New(&logWriter{l, logging.DEBUG}, "", 0)
}

// Rotate reopens the log file. Call it after the file was moved away, e.g. on SIGHUP.
func (b *Backend) Rotate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

// ParseLevel parses ERROR, WARNING, NOTICE, INFO or DEBUG, case-insensitively.
func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level %q", l)
	}
}

type logWriter struct {
	l   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimSpace(string(p))
	if s == "" {
		return len(p), nil
	}
	switch w.lvl {
	case logging.ERROR:
		w.l.Error("%s", s)
	case logging.WARNING:
		w.l.Warning("%s", s)
	case logging.NOTICE:
		w.l.Notice("%s", s)
	case logging.INFO:
		w.l.Info("%s", s)
	default:
		w.l.Debug("%s", s)
	}
	return len(p), nil
}
