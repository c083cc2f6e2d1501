package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers do not need to import logrus for scoped loggers.
type Fields = logrus.Fields

func SetupLogger(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "15:04:05.000000000",
		FullTimestamp:   true,
	})

	return nil
}

// WithFields returns an entry carrying fields such as the component name or the
// remote peer id.
func WithFields(fields Fields) *logrus.Entry {
	return logrus.WithFields(fields)
}

func Debug(args ...any) {
	logrus.Debug(args...)
}

func Debugf(format string, args ...any) {
	logrus.Debugf(format, args...)
}

func Info(args ...any) {
	logrus.Info(args...)
}

func Infof(format string, args ...any) {
	logrus.Infof(format, args...)
}

func Warn(args ...any) {
	logrus.Warn(args...)
}

func Warnf(format string, args ...any) {
	logrus.Warnf(format, args...)
}

func Error(args ...any) {
	logrus.Error(args...)
}

func Errorf(format string, args ...any) {
	logrus.Errorf(format, args...)
}

func Fatal(args ...any) {
	logrus.Fatal(args...)
}

func Fatalf(format string, args ...any) {
	logrus.Fatalf(format, args...)
}
