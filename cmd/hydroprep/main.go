package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	_ "github.com/alexbrainman/odbc"
	"github.com/youta-t/flarc"
	_ "modernc.org/sqlite"

	"hydroprep/internal/cli"
	"hydroprep/internal/raster/gdalio"
	"hydroprep/internal/stages"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	app := &cli.App{Deps: stages.Deps{Raster: gdalio.IO{}, Projector: gdalio.IO{}}}
	cmd, err := app.Command()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hydroprep: %v\n", err)
		os.Exit(cli.ExitInternalError)
	}
	code := flarc.Run(ctx, cmd, flarc.WithHelp(true))
	cancel()
	os.Exit(app.ExitCode(code))
}
