// Package main is the camcal command itself.
package main

import (
	"os"

	"go.viam.com/camcal/cli"
	"go.viam.com/camcal/logging"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		// Errors from flag parsing happen before the app logger exists and land on the default.
		logging.Global().Error(err)
		os.Exit(1)
	}
}
