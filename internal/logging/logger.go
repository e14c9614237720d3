// Package logging builds the process logger: structured zap output to stdout,
// optionally teed into a rotating file.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and the optional file sink.
type Config struct {
	// Level is debug, info, warn or error.
	Level string
	// Format is "json" or "console".
	Format string
	// File enables the rotating file sink; "-" or empty disables it.
	File string
	// MaxBytes rolls the file over within a day; zero means daily only.
	MaxBytes int64
	// MaxBackups bounds the rotated files kept; zero keeps all of them.
	MaxBackups int
}

// New creates the logger and returns a closer for the file sink.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	newEncoder := func() zapcore.Encoder {
		if strings.EqualFold(cfg.Format, "console") {
			return zapcore.NewConsoleEncoder(encCfg)
		}
		return zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stdout), level)}
	closer := func() error { return nil }

	if f := strings.TrimSpace(cfg.File); f != "" && f != "-" {
		rf, err := OpenRotatingFile(f, cfg.MaxBytes, cfg.MaxBackups)
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), rf, level))
		closer = rf.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, closer, nil
}

// NewWriterLogger logs JSON lines into w; tests use it to assert on output.
func NewWriterLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = ""
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), level))
}

var sensitive = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// SafeHeaders returns a compact representation of headers with credentials
// redacted.
func SafeHeaders(h http.Header) string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		val := v[0]
		if _, ok := sensitive[strings.ToLower(k)]; ok {
			val = "<redacted>"
		}
		parts = append(parts, k+"="+val)
	}
	return strings.Join(parts, "; ")
}

// RedactQuery hides the ticket parameter of a WebSocket upgrade URL.
func RedactQuery(rawQuery string) string {
	if !strings.Contains(rawQuery, "ticket=") {
		return rawQuery
	}
	parts := strings.Split(rawQuery, "&")
	for i, p := range parts {
		if strings.HasPrefix(p, "ticket=") {
			parts[i] = "ticket=<redacted>"
		}
	}
	return strings.Join(parts, "&")
}
