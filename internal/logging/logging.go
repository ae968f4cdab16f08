package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process root logger tagged with the application name and host.
func New(app, level, format string) *logrus.Entry {
	root := logrus.New()
	root.SetOutput(os.Stdout)
	if strings.EqualFold(format, "json") {
		root.SetFormatter(new(logrus.JSONFormatter))
	} else {
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	root.SetLevel(lvl)

	host, _ := os.Hostname()
	return root.WithFields(logrus.Fields{
		"app":  app,
		"host": host,
	})
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Entry {
	return logrus.NewEntry(&logrus.Logger{Out: io.Discard, Formatter: new(logrus.TextFormatter), Level: logrus.PanicLevel})
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *logrus.Entry) *logrus.Entry {
	if l == nil {
		return Discard()
	}
	return l
}
