package observability

import (
	"context"

	"go.uber.org/zap"
)

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger builds a Logger backed by a production zap configuration.
// Passing a nil *zap.Logger builds a new production logger; this lets
// callers share one logger across components in the common case while
// still allowing tests to inject a custom zap core (e.g. zaptest).
func NewZapLogger(base *zap.Logger) (Logger, error) {
	if base == nil {
		var err error
		base, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}
	return &zapLogger{l: base.Sugar()}, nil
}

func (z *zapLogger) Debug(_ context.Context, msg string, kv ...any) { z.l.Debugw(msg, kv...) }
func (z *zapLogger) Info(_ context.Context, msg string, kv ...any)  { z.l.Infow(msg, kv...) }
func (z *zapLogger) Warn(_ context.Context, msg string, kv ...any)  { z.l.Warnw(msg, kv...) }
func (z *zapLogger) Error(_ context.Context, msg string, kv ...any) { z.l.Errorw(msg, kv...) }
