// Package logger owns the process-wide slog loggers: the application logger
// and the audit logger that records task transitions, payment decisions and
// goal outcomes.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `yaml:"level" toml:"level"`
	Format      string      `yaml:"format" toml:"format"`
	OutputPaths []string    `yaml:"output_paths" toml:"output_paths"`
	Rotation    Rotation    `yaml:"rotation" toml:"rotation"`
	Audit       AuditConfig `yaml:"audit" toml:"audit"`
}

// Rotation bounds the size and age of file outputs. Zero values fall back to
// 100 MB, 7 backups and 30 days.
type Rotation struct {
	MaxSizeMB  int  `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool `yaml:"compress" toml:"compress"`
}

// AuditConfig controls the audit log. When disabled audit records go to the
// application logger.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Path       string `yaml:"path" toml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

var (
	mu          sync.RWMutex
	appLogger   *slog.Logger
	auditLogger *slog.Logger
	closers     []io.Closer
)

// Init builds the loggers from cfg and installs them, replacing and closing
// whatever a previous Init opened. The application logger also becomes the
// slog default.
func Init(cfg Config) error {
	var opened []io.Closer
	fail := func(err error) error {
		for _, c := range opened {
			_ = c.Close()
		}
		return err
	}

	out, err := openOutputs(cfg.OutputPaths, cfg.Rotation, &opened)
	if err != nil {
		return fail(err)
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	app := slog.New(newHandler(cfg.Format, out, opts))

	audit := app
	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			return fail(errors.New("audit log path cannot be empty when enabled"))
		}
		w := rotatingFile(cfg.Audit.Path, Rotation{
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		})
		opened = append(opened, w)
		audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	mu.Lock()
	previous := closers
	appLogger, auditLogger, closers = app, audit, opened
	mu.Unlock()
	slog.SetDefault(app)

	for _, c := range previous {
		_ = c.Close()
	}
	return nil
}

func openOutputs(paths []string, rot Rotation, opened *[]io.Closer) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		case "":
			return nil, fmt.Errorf("empty log output path")
		default:
			w := rotatingFile(p, rot)
			// Open now so an unwritable path fails at startup.
			if _, err := w.Write(nil); err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			*opened = append(*opened, w)
			writers = append(writers, w)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func rotatingFile(path string, rot Rotation) *lumberjack.Logger {
	if rot.MaxSizeMB <= 0 {
		rot.MaxSizeMB = 100
	}
	if rot.MaxBackups <= 0 {
		rot.MaxBackups = 7
	}
	if rot.MaxAgeDays <= 0 {
		rot.MaxAgeDays = 30
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
		LocalTime:  true,
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// L returns the application logger, installing a stdout JSON logger on first
// use if Init has not run.
func L() *slog.Logger {
	mu.RLock()
	l := appLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if appLogger == nil {
		appLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return appLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Sync closes file outputs. Later writes reopen them.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Attribute keys shared by every engine component so log lines from the
// planner, scheduler and cycle controller can be joined on the same run.
const (
	KeyCompany   = "company"
	KeyGoalRun   = "goal_run_id"
	KeyTask      = "task_id"
	KeyAgent     = "agent"
	KeyPayment   = "payment_id"
	KeyCycle     = "cycle"
	KeyWave      = "wave"
	KeyComponent = "component"
)

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String(KeyComponent, name))
}

// ForCompany returns a component logger scoped to a single company engine.
func ForCompany(company, component string) *slog.Logger {
	l := Named(component)
	if company != "" {
		l = l.With(slog.String(KeyCompany, company))
	}
	return l
}

// Or returns l when non-nil, otherwise the named component logger.
func Or(l *slog.Logger, component string) *slog.Logger {
	if l != nil {
		return l
	}
	return Named(component)
}

// Discard returns a logger that drops every record. Tests use it to keep
// output quiet without touching the global logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
