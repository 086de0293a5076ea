package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *logrus.Logger

// InitLogger initializes the global logger. When logDir is non-empty, entries
// are additionally split by level into rotated files under that directory.
func InitLogger(logLevel, logDir string) error {
	l := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel // default to info if invalid level
	}
	l.SetLevel(level)

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetOutput(os.Stdout)

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return err
		}
		l.AddHook(&FileHook{
			ErrorWriter: rotatingFile(logDir, "error.log"),
			InfoWriter:  rotatingFile(logDir, "info.log"),
			DebugWriter: rotatingFile(logDir, "debug.log"),
		})
	}

	Logger = l
	return nil
}

func rotatingFile(dir, name string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// FileHook implements logrus.Hook to write different log levels to different files
type FileHook struct {
	ErrorWriter io.Writer
	InfoWriter  io.Writer
	DebugWriter io.Writer
}

func (hook *FileHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Bytes()
	if err != nil {
		return err
	}

	var w io.Writer
	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		w = hook.ErrorWriter
	case logrus.WarnLevel, logrus.InfoLevel:
		w = hook.InfoWriter
	case logrus.DebugLevel, logrus.TraceLevel:
		w = hook.DebugWriter
	}
	if w == nil {
		return nil
	}

	_, err = w.Write(line)
	return err
}

func (hook *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Structured logging helpers. They are no-ops until InitLogger has run so
// packages can log freely from tests.
func Error(msg string, fields map[string]interface{}) {
	if Logger != nil {
		Logger.WithFields(fields).Error(msg)
	}
}

func Info(msg string, fields map[string]interface{}) {
	if Logger != nil {
		Logger.WithFields(fields).Info(msg)
	}
}

func Debug(msg string, fields map[string]interface{}) {
	if Logger != nil {
		Logger.WithFields(fields).Debug(msg)
	}
}

func Warn(msg string, fields map[string]interface{}) {
	if Logger != nil {
		Logger.WithFields(fields).Warn(msg)
	}
}

func ErrorMsg(msg string) {
	Error(msg, nil)
}

func InfoMsg(msg string) {
	Info(msg, nil)
}

func DebugMsg(msg string) {
	Debug(msg, nil)
}

func WarnMsg(msg string) {
	Warn(msg, nil)
}
