// Package logging wraps go-logging with a file/stdout backend and per-module
// loggers shared by every role of the node.
package logging

import (
	"fmt"
	"io"
	goLog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const DefaultLevel = "NOTICE"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type Backend struct {
	mu      sync.RWMutex
	backend logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   string
	disable bool
}

func New(file string, level string, disable bool) (*Backend, error) {
	b := &Backend{file: file, level: level, disable: disable}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// Discard returns a backend that drops every record. Used by components that
// were constructed without a logger.
func Discard() *Backend {
	b, _ := New("", DefaultLevel, true)
	return b
}

func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend.Log(level, calldepth, record)
}

func (b *Backend) GetLevel(module string) logging.Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend.GetLevel(module)
}

func (b *Backend) SetLevel(level logging.Level, module string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.backend.SetLevel(level, module)
}

func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetGoLogger adapts the backend for APIs that want a *log.Logger, such as
// http.Server.ErrorLog. Everything written to it is logged at one level.
func (b *Backend) GetGoLogger(module string, level string) *goLog.Logger {
	lvl, err := levelFromString(level)
	if err != nil {
		panic("logging: GetGoLogger: " + err.Error())
	}
	return goLog.New(&logWriter{m: b.GetLogger(module), lvl: lvl}, "", 0)
}

// Rotate reopens the log file.
func (b *Backend) Rotate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Close(); err != nil {
		return err
	}
	return b.openLocked()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Close()
}

func (b *Backend) open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked()
}

func (b *Backend) openLocked() error {
	lvl, err := levelFromString(b.level)
	if err != nil {
		return err
	}
	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("logging: open %s: %w", b.file, err)
		}
		b.w = f
	}

	format := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	formatted := logging.NewBackendFormatter(logging.NewLogBackend(b.w, "", 0), format)
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")
	return nil
}

func ValidLevel(l string) bool {
	_, err := levelFromString(l)
	return err == nil
}

func levelFromString(l string) (logging.Level, error) {
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
		return logging.CRITICAL, fmt.Errorf("invalid level %q", l)
	}
}

type logWriter struct {
	m   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimSpace(string(p))
	if s == "" {
		return len(p), nil
	}
	switch w.lvl {
	case logging.ERROR:
		w.m.Error(s)
	case logging.WARNING:
		w.m.Warning(s)
	case logging.NOTICE:
		w.m.Notice(s)
	case logging.INFO:
		w.m.Info(s)
	default:
		w.m.Debug(s)
	}
	return len(p), nil
}
