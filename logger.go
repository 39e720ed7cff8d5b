package sdns

import (
	"github.com/sirupsen/logrus"
)

// Log is the package logger. It defaults to logging errors only, callers
// can swap the formatter or change the level.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}
