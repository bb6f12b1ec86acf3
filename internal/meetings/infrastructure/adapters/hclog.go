package adapters

import (
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// hcLogger routes go-plugin's hclog output into slog.
type hcLogger struct {
	logger *slog.Logger
	name   string
	args   []interface{}
}

func newHCLogger(logger *slog.Logger) *hcLogger {
	return &hcLogger{logger: logger, name: "adapter"}
}

func (h *hcLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Info:
		h.Info(msg, args...)
	case hclog.Warn:
		h.Warn(msg, args...)
	case hclog.Error:
		h.Error(msg, args...)
	default:
		h.Debug(msg, args...)
	}
}

func (h *hcLogger) attrs(args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(h.args)+len(args)+2)
	out = append(out, "logger", h.name)
	out = append(out, h.args...)
	return append(out, args...)
}

func (h *hcLogger) Trace(msg string, args ...interface{}) { h.logger.Debug(msg, h.attrs(args)...) }
func (h *hcLogger) Debug(msg string, args ...interface{}) { h.logger.Debug(msg, h.attrs(args)...) }
func (h *hcLogger) Info(msg string, args ...interface{})  { h.logger.Info(msg, h.attrs(args)...) }
func (h *hcLogger) Warn(msg string, args ...interface{})  { h.logger.Warn(msg, h.attrs(args)...) }
func (h *hcLogger) Error(msg string, args ...interface{}) { h.logger.Error(msg, h.attrs(args)...) }

func (h *hcLogger) IsTrace() bool { return false }
func (h *hcLogger) IsDebug() bool { return false }
func (h *hcLogger) IsInfo() bool  { return true }
func (h *hcLogger) IsWarn() bool  { return true }
func (h *hcLogger) IsError() bool { return true }

func (h *hcLogger) ImpliedArgs() []interface{} { return h.args }

func (h *hcLogger) With(args ...interface{}) hclog.Logger {
	return &hcLogger{logger: h.logger, name: h.name, args: append(append([]interface{}{}, h.args...), args...)}
}

func (h *hcLogger) Name() string { return h.name }

func (h *hcLogger) Named(name string) hclog.Logger {
	return &hcLogger{logger: h.logger, name: h.name + "." + name, args: h.args}
}

func (h *hcLogger) ResetNamed(name string) hclog.Logger {
	return &hcLogger{logger: h.logger, name: name, args: h.args}
}

func (h *hcLogger) SetLevel(hclog.Level) {}

func (h *hcLogger) GetLevel() hclog.Level { return hclog.Info }

func (h *hcLogger) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return slog.NewLogLogger(h.logger.Handler(), slog.LevelInfo)
}

func (h *hcLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return h.StandardLogger(nil).Writer()
}
