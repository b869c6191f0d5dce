package gobox

import (
	"github.com/sirupsen/logrus"
)

// defaultLogger returns the logger used when no WithLogger option is given.
func defaultLogger() *logrus.Entry {
	return logrus.StandardLogger().WithField("component", "gobox")
}

// ParseLogLevel maps a config level name to a logrus level, defaulting to
// Info for empty or unknown names.
func ParseLogLevel(name string) logrus.Level {
	if name == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
