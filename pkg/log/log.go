package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/benfred/py-spy/pkg/config"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a new logger threaded through every profiler component,
// plus the io.Closer for any file it opened (a no-op Closer in production
// mode, where output is discarded rather than written to a file).
func NewLogger(cfg *config.AppConfig) (*logrus.Entry, io.Closer) {
	var logger *logrus.Logger
	var closer io.Closer
	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		logger, closer = newDevelopmentLogger(cfg)
	} else {
		logger, closer = newProductionLogger(), nopCloser{}
	}

	logger.Formatter = &logrus.JSONFormatter{}

	return logger.WithFields(logrus.Fields{
		"debug":   cfg.Debug,
		"version": cfg.Version,
		"commit":  cfg.Commit,
		"pid":     cfg.TargetPid,
	}), closer
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(cfg *config.AppConfig) (*logrus.Logger, io.Closer) {
	logger := logrus.New()
	logger.SetLevel(getLogLevel())
	file, err := os.OpenFile(filepath.Join(cfg.ConfigDir, "development.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	logger.SetOutput(file)
	return logger, file
}

// nopCloser satisfies io.Closer for the production logger, which writes
// to io.Discard and so never holds a file to close.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newProductionLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}
