package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/putto11262002/chatter-client/app"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := app.LoadConfig(*configDir)
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}
	a, err := app.New(config)
	if err != nil {
		failed(1, "%v\n", err)
	}
	if err := a.Run(ctx); err != nil {
		failed(1, "%v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
