// Package logger wraps logrus with the field conventions used across Okapi's
// components (client id, flow id, session id) so every subsystem logs in a
// consistent shape.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// Config controls logging output.
type Config struct {
	Level  string `mapstructure:"level" json:"level" env:"LOG_LEVEL"`
	Format string `mapstructure:"format" json:"format" env:"LOG_FORMAT"`
	Output string `mapstructure:"output" json:"output" env:"LOG_OUTPUT"`
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stdout
	if strings.ToLower(cfg.Output) == "stderr" {
		out = os.Stderr
	}
	l.SetOutput(out)

	return &Logger{Logger: l}
}

// NewDefault builds a text Logger at info level writing to stdout. The
// component name is not attached to its log lines: only the base Logger of
// the WithField entry is kept.
func NewDefault(component string) *Logger {
	l := New(Config{Level: "info", Format: "text", Output: "stdout"})
	return &Logger{Logger: l.WithField("component", component).Logger}
}

// WithError is a convenience wrapper mirroring logrus.Entry semantics on the
// top-level Logger, returning an Entry so call sites can chain .Warn/.Error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithClient tags log lines with the originating ClientId.
func (l *Logger) WithClient(clientID string) *logrus.Entry {
	return l.Logger.WithField("client_id", clientID)
}

// WithFlow tags log lines with ClientId and FlowId.
func (l *Logger) WithFlow(clientID, flowID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"client_id": clientID, "flow_id": flowID})
}
