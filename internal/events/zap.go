package events

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes events as structured log lines.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("events")}
}

func (s *ZapSink) LogEvent(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("run_id", ev.RunID),
		zap.String("scenario_id", ev.ScenarioID),
	}
	if ev.TurnIndex > 0 {
		fields = append(fields, zap.Int("turn", ev.TurnIndex))
	}
	if ev.Severity != "" {
		fields = append(fields, zap.String("severity", ev.Severity))
	}
	if len(ev.Meta) > 0 {
		fields = append(fields, zap.Any("meta", ev.Meta))
	}
	if ce := s.logger.Check(zapLevel(ev.Level), string(ev.Type)); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
