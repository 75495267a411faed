package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chaz8081/cyble/internal/cli"
)

func main() {
	var root cli.CLI
	kctx := kong.Parse(&root,
		kong.Name("cyble"),
		kong.Description("Host tool for the CY5677 USB BLE dongle."),
		kong.UsageOnError(),
	)

	app, err := root.Setup()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(app)
	kctx.FatalIfErrorf(err)
}
