package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/learnearn/vouchers/logger"
)

/*
New returns logger for test t on debug level.
*/
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, slog.LevelDebug)
}

/*
NewLvl returns logger for test t on given level. Log output is written using
t.Log so it is shown only for failing tests (or when -v flag is used).

Environment variable VOUCHER_TEST_LOG_LEVEL can be used to override the level.
*/
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	if lvl := os.Getenv("VOUCHER_TEST_LOG_LEVEL"); lvl != "" {
		cfg := logger.LogConfiguration{Level: lvl}
		level = cfg.LogLevel()
	}
	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level:     level,
		AddSource: false,
	}))
}

/*
LoggerBuilder returns "logger factory" for test t.
*/
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) { return New(t), nil }
}

/*
NOP returns logger which doesn't log anything.
*/
func NOP() *slog.Logger {
	return slog.New(discardHandler{})
}

type testLogWriter struct {
	t testing.TB
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

var _ io.Writer = (*testLogWriter)(nil)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
