// Package log provides the client's logging backend, built on go-logging.
// Components receive per-module loggers so a single process log interleaves
// circuit, stream and directory activity with consistent formatting.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// Backend fans per-module loggers into one leveled, formatted output.
type Backend struct {
	sync.RWMutex

	backend logging.LeveledBackend
	w       io.WriteCloser

	file  string
	level string
}

// New initializes a backend writing to file, or stdout when file is empty.
func New(file, level string) (*Backend, error) {
	b := &Backend{file: file, level: level}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewDiscard returns a backend that drops everything. Used by tests.
func NewDiscard() *Backend {
	b, _ := New("", "ERROR")
	base := logging.NewLogBackend(io.Discard, "", 0)
	b.backend = logging.AddModuleLevel(base)
	b.backend.SetLevel(logging.CRITICAL, "")
	return b
}

func (b *Backend) open() error {
	lvl, err := levelFromString(b.level)
	if err != nil {
		return err
	}
	if b.file == "" {
		b.w = os.Stdout
	} else {
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("log: open %s: %w", b.file, err)
		}
		b.w = f
	}

	format := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	base := logging.NewLogBackend(b.w, "", 0)
	b.backend = logging.AddModuleLevel(logging.NewBackendFormatter(base, format))
	b.backend.SetLevel(lvl, "")
	return nil
}

// Log implements logging.Backend.
func (b *Backend) Log(level logging.Level, calldepth int, rec *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.backend.Log(level, calldepth, rec)
}

// GetLevel implements logging.Leveled.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.backend.GetLevel(module)
}

// SetLevel implements logging.Leveled.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.backend.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger writing to this backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Rotate reopens the log file. Invoked on HUP.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()
	if b.file == "" {
		return nil
	}
	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
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
	}
	return logging.CRITICAL, fmt.Errorf("log: invalid level %q", l)
}
