package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/edc"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	config := edc.DefaultConfig()
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		config.HTTPAddr = addr
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
	if path := os.Getenv("NATIVE_LIBRARY_PATH"); path != "" {
		config.NativeLibraryPath = path
	}
	if os.Getenv("DISABLE_NATIVE_LIBRARY") == "true" {
		config.DisableNativeLibrary = true
	}

	app := edc.NewApp(logger, config)
	if err := app.Start(); err != nil {
		logger.Error("starting app", "err", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	app.Shutdown()
}
