// ABOUTME: Adapts slog to the whatsmeow logging interface.
// ABOUTME: Keeps engine internals on the same structured log stream as the gateway.

package meow

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type slogAdapter struct {
	logger *slog.Logger
}

func newLogAdapter(logger *slog.Logger) waLog.Logger {
	return &slogAdapter{logger: logger}
}

func (l *slogAdapter) Errorf(msg string, args ...any) { l.logger.Error(fmt.Sprintf(msg, args...)) }
func (l *slogAdapter) Warnf(msg string, args ...any)  { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l *slogAdapter) Infof(msg string, args ...any)  { l.logger.Info(fmt.Sprintf(msg, args...)) }
func (l *slogAdapter) Debugf(msg string, args ...any) { l.logger.Debug(fmt.Sprintf(msg, args...)) }

func (l *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: l.logger.With("module", module)}
}
