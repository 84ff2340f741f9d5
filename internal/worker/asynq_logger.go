package worker

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/hibiken/asynq"
)

// asynqLogger routes asynq's own logging into the service logger
type asynqLogger struct {
	l logr.Logger
}

// NewAsynqLogger adapts l for asynq.Config.Logger
func NewAsynqLogger(l logr.Logger) asynq.Logger {
	return &asynqLogger{l: l}
}

func (a *asynqLogger) Debug(args ...interface{}) { a.l.V(1).Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...interface{})  { a.l.Info(fmt.Sprint(args...), "level", "warn") }
func (a *asynqLogger) Error(args ...interface{}) { a.l.Error(nil, fmt.Sprint(args...)) }

func (a *asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(nil, fmt.Sprint(args...), "fatal", true)
	os.Exit(1)
}

// AsynqLogLevel maps the service log level onto asynq's
func AsynqLogLevel(level string) asynq.LogLevel {
	switch level {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	}
	return asynq.InfoLevel
}
