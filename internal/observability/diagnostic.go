package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewDiagnosticLogger returns a JSON logger that appends one line per entry to
// path. It records every network response observed while a token capture is
// armed. The returned close func flushes and closes the file.
func NewDiagnosticLogger(path string) (*zap.Logger, func() error) {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 2,
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(sink), zap.DebugLevel)
	logger := zap.New(core).Named("responses")

	return logger, func() error {
		_ = logger.Sync()
		return sink.Close()
	}
}
