package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

type CustomLogger struct {
	*log.Logger
}

var logLevelMapping = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// RunnerLogger is the process-wide logger. Tests and library consumers get a
// stderr logger until Setup replaces it with the configured one.
var RunnerLogger = defaultLogger()

func defaultLogger() *CustomLogger {
	l := log.New()
	l.SetFormatter(&log.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	l.SetOutput(os.Stderr)
	return &CustomLogger{Logger: l}
}

// Setup configures the runner logger with the given level and log file path.
func Setup(level, logFilePath string) error {
	l, err := CreateCustomLogger(level, logFilePath)
	if err != nil {
		return err
	}
	RunnerLogger = l
	return nil
}

func (l CustomLogger) LogDebug(eventName string, message string) {
	l.WithFields(log.Fields{
		"event": eventName,
	}).Debug(message)
}

func (l CustomLogger) LogInfo(eventName string, message string) {
	l.WithFields(log.Fields{
		"event": eventName,
	}).Info(message)
}

func (l CustomLogger) LogWarn(eventName string, message string) {
	l.WithFields(log.Fields{
		"event": eventName,
	}).Warn(message)
}

func (l CustomLogger) LogError(eventName string, message string) {
	l.WithFields(log.Fields{
		"event": eventName,
	}).Error(message)
}

// CreateCustomLogger returns a JSON logger writing to the given file and stderr.
func CreateCustomLogger(level, logFilePath string) (*CustomLogger, error) {
	logger := log.New()

	logger.SetFormatter(&log.JSONFormatter{})
	lvl, ok := logLevelMapping[level]
	if !ok {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	logFile, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0755)
	if err != nil {
		return &CustomLogger{}, fmt.Errorf("Could not set log output - %v", err)
	}

	logger.SetOutput(io.MultiWriter(os.Stderr, logFile))

	return &CustomLogger{Logger: logger}, nil
}
