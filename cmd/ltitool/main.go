// Package main is the entry point for the ltitool CLI.
package main

import (
	"os"

	"github.com/mind-engage/mindengage-lti/cmd/ltitool/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
