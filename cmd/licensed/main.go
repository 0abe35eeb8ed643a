// Command licensed runs the workshop license validation daemon.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/app"
)

func main() {
	configFile := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	application, err := app.NewApplication(*configFile)
	if err != nil {
		slog.Error("failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
