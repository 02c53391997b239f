package config

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// for Log

const PathRawSpan = "/tmp/spanflow_raw_span.log.json"

// Log4RawSpan records every exported span as JSON, only in debug mode.
var Log4RawSpan *logrus.Logger

func initLogrus(_ *viper.Viper) {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
	})
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
		if Log4RawSpan == nil {
			Log4RawSpan = initLog4(PathRawSpan)
		}
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func initLog4(path string) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.DateTime,
	})
	tmpLog, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logrus.WithError(err).Warnf("SpanFlow couldn't open %s, raw span log goes to stderr", path)
		return logger
	}
	// defer tmpLog.Close()
	logger.SetOutput(tmpLog)
	return logger
}

func init() {
	initLogrus(nil)
}
