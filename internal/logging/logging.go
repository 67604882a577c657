package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RootName is the name of the top-level logger. Component loggers are named below it,
// e.g. "scdispatch.output", and the name is emitted as the "target" field.
const RootName = "scdispatch"

// EncoderConfig is the encoding for every record: one JSON object per line with
// level, message and target keys.
func EncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.LevelKey = "level"
	cfg.NameKey = "target"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}

// ParseLevel parses a level name such as "debug" or "INFO".
func ParseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("parsing log level %q: %w", s, err)
	}
	return l, nil
}

// NewWithWriter builds the root logger writing to w.
// The logger is not sampled, every output line of the child must produce a record.
func NewWithWriter(w io.Writer, level zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(EncoderConfig()),
		zapcore.Lock(zapcore.AddSync(w)),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))).Named(RootName)
}

// New builds the root logger writing to stdout.
func New(level zapcore.Level) *zap.Logger {
	return NewWithWriter(os.Stdout, level)
}
