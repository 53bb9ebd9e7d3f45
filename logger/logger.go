package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	levelNone  slog.Level = slog.LevelError + 100
)

/*
LogConfiguration is the logger configuration, loaded from YAML file and
overridden by command line flags.
*/
type LogConfiguration struct {
	// one of TRACE, DEBUG, INFO, WARN, ERROR, NONE; optionally with offset, ie "info+1"
	Level string `yaml:"defaultLevel"`
	// one of: text, json, console, ecs
	Format string `yaml:"format"`
	// file name or one of the special values: stdout, stderr, discard
	OutputPath string `yaml:"outputPath"`
	// time format to use, "none" to drop time from the output
	TimeFormat string `yaml:"timeFormat"`
	ShowSource bool   `yaml:"showSource"`

	writer io.Writer
}

/*
New creates logger based on configuration "cfg".
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if err := cfg.initWriter(); err != nil {
		return nil, fmt.Errorf("initializing log writer: %w", err)
	}
	h, err := cfg.handler()
	if err != nil {
		return nil, fmt.Errorf("creating log handler: %w", err)
	}
	return slog.New(h), nil
}

func (cfg *LogConfiguration) handler() (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		AddSource: cfg.ShowSource,
		Level:     cfg.LogLevel(),
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat))
		return slog.NewJSONHandler(cfg.writer, opts), nil
	case "ecs":
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatAttrECS)
		return slog.NewJSONHandler(cfg.writer, opts), nil
	case "console":
		timeFmt := cfg.TimeFormat
		if timeFmt == "" {
			timeFmt = "15:04:05.0000"
		}
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(timeFmt), formatDataAttrAsJSON)
		return slog.NewTextHandler(cfg.writer, opts), nil
	case "text", "":
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatDataAttrAsJSON)
		return slog.NewTextHandler(cfg.writer, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func (cfg *LogConfiguration) initWriter() error {
	if cfg.writer != nil {
		return nil
	}
	switch strings.ToLower(cfg.OutputPath) {
	case "", "stderr":
		cfg.writer = os.Stderr
	case "stdout":
		cfg.writer = os.Stdout
	case "discard", os.DevNull:
		cfg.writer = io.Discard
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0700); err != nil {
			return fmt.Errorf("creating directory for log file: %w", err)
		}
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // -rw-------
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		cfg.writer = f
	}
	return nil
}

/*
LogLevel returns slog level based on the Level string. Unknown values are
treated as INFO.
*/
func (cfg *LogConfiguration) LogLevel() slog.Level {
	if cfg.OutputPath == "discard" || cfg.OutputPath == os.DevNull {
		return levelNone
	}

	name, offset := strings.ToUpper(cfg.Level), 0
	if idx := strings.IndexAny(name, "+-"); idx > 0 {
		if n, err := strconv.Atoi(name[idx:]); err == nil {
			name, offset = name[:idx], n
		}
	}

	var lvl slog.Level
	switch name {
	case "NONE":
		lvl = levelNone
	case "TRACE":
		lvl = LevelTrace
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return lvl + slog.Level(offset)
}
