package call

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds the pion API with its internal logging bridged to slog, so
// ICE/DTLS diagnostics land in the same stream as the rest of the call
// layer.
func NewAPI(logger *slog.Logger) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{base: logger},
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type slogLoggerFactory struct {
	base *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{l: f.base.With("pion", scope)}
}

type slogLeveledLogger struct {
	l *slog.Logger
}

func (s *slogLeveledLogger) Trace(msg string)                  { s.l.Debug(msg) }
func (s *slogLeveledLogger) Tracef(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Debug(msg string)                  { s.l.Debug(msg) }
func (s *slogLeveledLogger) Debugf(format string, args ...any) { s.l.Debug(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Info(msg string)                   { s.l.Info(msg) }
func (s *slogLeveledLogger) Infof(format string, args ...any)  { s.l.Info(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Warn(msg string)                   { s.l.Warn(msg) }
func (s *slogLeveledLogger) Warnf(format string, args ...any)  { s.l.Warn(fmt.Sprintf(format, args...)) }
func (s *slogLeveledLogger) Error(msg string)                  { s.l.Error(msg) }
func (s *slogLeveledLogger) Errorf(format string, args ...any) { s.l.Error(fmt.Sprintf(format, args...)) }

var _ logging.LoggerFactory = (*slogLoggerFactory)(nil)
