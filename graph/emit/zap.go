package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter writes events as structured zap log entries.
//
// Failure events are logged at warn level; everything else at debug, or at
// info when Verbose is set.
type ZapEmitter struct {
	logger  *zap.Logger
	Verbose bool
}

// NewZapEmitter wraps logger. A nil logger discards output.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger.With(zap.String("component", "graph"))}
}

func (z *ZapEmitter) Emit(event Event) {
	level := zapcore.DebugLevel
	if z.Verbose {
		level = zapcore.InfoLevel
	}
	switch event.Msg {
	case MsgNodeFailed, MsgCheckpointFailed, MsgRunFailed:
		level = zapcore.WarnLevel
	}

	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields,
		zap.String("run_id", event.RunID),
		zap.Int("iteration", event.Iteration),
	)
	if event.Node != "" {
		fields = append(fields, zap.String("node", event.Node))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
}
