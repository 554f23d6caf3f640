package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facewatch/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init configures the global logrus logger. Output goes to stderr so that
// command output on stdout stays clean, and additionally to a rotated file
// when one is configured. The returned closer flushes that file.
func Init(cfg config.LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', defaulting to 'info': %v", cfg.Level, err)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	writers := []io.Writer{os.Stderr}
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			log.Errorf("Failed to create log directory for '%s': %v", cfg.File, err)
		} else {
			file := &lumberjack.Logger{
				Filename:   cfg.File,
				LocalTime:  true,
				Compress:   true,
				MaxSize:    cfg.MaxSizeMB,
				MaxAge:     cfg.MaxAgeDays,
				MaxBackups: cfg.MaxBackups,
			}
			writers = append(writers, file)
			closer = file
		}
	}

	log.SetOutput(io.MultiWriter(writers...))
	log.WithField("level", level).Debug("Logger initialized")
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
