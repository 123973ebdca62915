package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"go.viam.com/camcal/logging"
)

const (
	loggerKey       = "logger"
	fileAppenderKey = "file_appender"
)

// setupLogger builds the application logger from the global flags and makes it the global logger.
// Logs go to the app's error writer so that command output stays clean.
func setupLogger(c *cli.Context) error {
	logger := logging.NewBlankLogger("camcal")
	logger.SetLevel(logging.INFO)
	if c.Bool(debugFlag) {
		logger.SetLevel(logging.DEBUG)
	}
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	if path := c.String(logFileFlag); path != "" {
		appender := logging.NewFileAppender(path)
		logger.AddAppender(appender)
		c.App.Metadata[fileAppenderKey] = appender
	}
	c.App.Metadata[loggerKey] = logger
	logging.ReplaceGlobal(logger)
	return nil
}

func syncLogger(c *cli.Context) error {
	logger := loggerFrom(c)
	//nolint:errcheck
	logger.Sync()
	if appender, ok := c.App.Metadata[fileAppenderKey].(*logging.ConsoleAppender); ok {
		return appender.Close()
	}
	return nil
}

func loggerFrom(c *cli.Context) logging.Logger {
	if logger, ok := c.App.Metadata[loggerKey].(logging.Logger); ok {
		return logger
	}
	return logging.Global()
}

func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
