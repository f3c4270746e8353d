// Package logging writes structured JSON process logs under the state
// root, separate from the run output stream shown on the dashboard.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const filePrefix = "coxswain-"

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	sessionID string
	component string
	maxFiles  int
}

// WithSessionID configures the session_id field used in emitted records.
func WithSessionID(sessionID string) Option {
	return func(opts *newOptions) {
		opts.sessionID = strings.TrimSpace(sessionID)
	}
}

// WithComponent configures the component field used in emitted records.
func WithComponent(component string) Option {
	return func(opts *newOptions) {
		opts.component = strings.TrimSpace(component)
	}
}

// WithMaxFiles caps how many log files are kept; older files are pruned.
func WithMaxFiles(maxFiles int) Option {
	return func(opts *newOptions) {
		if maxFiles > 0 {
			opts.maxFiles = maxFiles
		}
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	sessionID  string
	component  string
}

// New initializes logging under <logDir> without writing to stdout.
// Stdout belongs to the engine's line protocol, so all process logging
// goes to a file.
func New(logDir string, options ...Option) (*RuntimeLogger, error) {
	if strings.TrimSpace(logDir) == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("%s%s.log", filePrefix, timestamp)
	if resolved.sessionID != "" {
		fileName = fmt.Sprintf("%s%s-%s.log", filePrefix, timestamp, resolved.sessionID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	if resolved.maxFiles > 0 {
		pruneOldLogs(logDir, resolved.maxFiles)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		sessionID:  resolved.sessionID,
		component:  resolved.component,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	return runtimeLogger, nil
}

// WithSessionID updates the session_id field for subsequent records.
func (r *RuntimeLogger) WithSessionID(sessionID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.sessionID = strings.TrimSpace(sessionID)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	fields := []any{}
	if r.component != "" {
		fields = append(fields, "component", r.component)
	}
	if r.sessionID != "" {
		fields = append(fields, "session_id", r.sessionID)
	}
	r.Logger = r.baseLogger.With(fields...)
}

// pruneOldLogs deletes the oldest log files beyond the retention cap.
// Best effort: pruning failures never fail logger construction.
func pruneOldLogs(logDir string, maxFiles int) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".log") {
			names = append(names, name)
		}
	}
	if len(names) <= maxFiles {
		return
	}

	// The timestamp prefix makes lexical order chronological.
	sort.Strings(names)
	for _, name := range names[:len(names)-maxFiles] {
		_ = os.Remove(filepath.Join(logDir, name))
	}
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
