// Command vtrtd starts one rank process and joins it to a fleet.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/vtrt-project/vtrt/internal/build"
	"github.com/vtrt-project/vtrt/internal/log"
)

func main() {
	logger := log.New()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Infof(format, args...)
	})); err != nil {
		logger.Errorf("failed to set GOMAXPROCS: %v", err)
	}

	app := kingpin.New("vtrtd", "vtrt rank process.")
	app.HelpFlag.Short('h')

	run, runCtx := registerRun(app)
	version := app.Command("version", "Build information for vtrtd.")

	args := os.Args[1:]
	switch kingpin.MustParse(app.Parse(args)) {
	case run.FullCommand():
		if err := doRun(runCtx, logger); err != nil {
			logger.Errorf("fatal: %v", err)
			os.Exit(1)
		}
	case version.FullCommand():
		fmt.Print(build.PrintInfo())
	}
}
