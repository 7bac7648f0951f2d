package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapSink struct {
	log *zap.Logger
}

// NewZapSink 以结构化日志输出事件。错误事件使用 Warn 级别，其余为 Debug
func NewZapSink(log *zap.Logger) Sink {
	if log == nil {
		return Nop
	}
	return &zapSink{log: log.Named("telemetry")}
}

func (s *zapSink) Emit(e Event) {
	level := zapcore.DebugLevel
	if e.Kind == EventError || e.Kind == EventReject || e.Err != nil {
		level = zapcore.WarnLevel
	}
	ce := s.log.Check(level, "socket event")
	if ce == nil {
		return
	}

	fields := []zap.Field{zap.Stringer("kind", e.Kind)}
	if e.ConnID != 0 {
		fields = append(fields, zap.Uint64("conn", e.ConnID))
	}
	if e.Peer != "" {
		fields = append(fields, zap.String("peer", e.Peer))
	}
	if e.Bytes != 0 {
		fields = append(fields, zap.Int("bytes", e.Bytes))
	}
	if e.Outcome != "" {
		fields = append(fields, zap.String("outcome", e.Outcome))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	ce.Write(fields...)
}
