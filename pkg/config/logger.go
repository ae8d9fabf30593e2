package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// for Log

// InitLogrus sets up the global logrus logger. Called from the root command
// once flags are parsed, and from init with the defaults.
func InitLogrus() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
		FullTimestamp:   true,
	})
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func init() {
	InitLogrus()
}
