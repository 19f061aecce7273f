// Package logger holds the shared logger instance. The level defaults
// to warn and can be overridden through the RUSQL_LOG_LEVEL
// environment variable.
package logger

import (
	"os"

	logger "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var L = &logger.Logger{
	Out:   os.Stderr,
	Level: level(),
	Formatter: &prefixed.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	},
}

func level() logger.Level {
	if v := os.Getenv("RUSQL_LOG_LEVEL"); v != "" {
		if lvl, err := logger.ParseLevel(v); err == nil {
			return lvl
		}
	}
	return logger.WarnLevel
}
