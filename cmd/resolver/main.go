package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"acdcd/internal/config"
	"acdcd/internal/logger"
	"acdcd/internal/resolver"
	"acdcd/internal/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the resolver and blocks until a signal.
func run(args []string) error {
	env := config.NewEnv("RESOLVER")
	if err := env.LoadFile(); err != nil {
		return err
	}

	fs := flag.NewFlagSet("resolver", flag.ContinueOnError)
	addr := fs.String("http", env.String("HTTP", ":13436"), "HTTP listen address")
	dataPath := fs.String("data", env.String("DATA", "./resolver-data"), "Data directory path")
	logLevel := fs.String("log-level", env.String("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	logger.Init(*logLevel)

	if err := os.MkdirAll(*dataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(*dataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	defer db.Close()

	srv := resolver.NewServer(*addr, db)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start resolver:\n%w", err)
	}
	defer srv.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return nil
}
