package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps *logrus.Logger with aimmd's config-driven setup.
type Logger struct {
	*logrus.Logger
}

// LoggingConfig controls level, format, and output destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// New builds a Logger from cfg, falling back to info/text/stdout on any
// unrecognized or missing setting.
func New(cfg LoggingConfig) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "aimmd"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0755); err != nil {
			logger.Errorf("aimm: logger: create log dir: %v", err)
		} else {
			logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Errorf("aimm: logger: open log file: %v", err)
			} else {
				logger.SetOutput(io.MultiWriter(os.Stdout, file))
			}
		}
	default:
		logger.SetOutput(os.Stdout)
	}

	return &Logger{Logger: logger}
}

// NewDefault builds an info-level, text-formatted, stdout Logger tagging
// every entry with a "component" field set to name, so the many AIMM
// collaborators built outside the configured startup path (e.g. a control
// surface handed a nil logger) stay distinguishable in a shared log stream.
// Worker children do not use it; they log through zerolog.
func NewDefault(name string) *Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)
	logger.AddHook(&componentHook{component: name})
	return &Logger{Logger: logger}
}

// componentHook stamps every log entry with the owning component's name.
type componentHook struct {
	component string
}

func (h *componentHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *componentHook) Fire(entry *logrus.Entry) error {
	if h.component != "" {
		entry.Data["component"] = h.component
	}
	return nil
}

// WithField returns a new log entry with a field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry with multiple fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
